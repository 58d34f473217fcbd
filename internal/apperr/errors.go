package apperr

var (
	ErrChannelNotFound    = NotFound("channel not found")
	ErrScopeNotFound      = NotFound("community not found")
	ErrMessageNotFound    = NotFound("message not found")
	ErrAttachmentNotFound = NotFound("attachment not found")
	ErrMentionNotFound    = NotFound("mention not found")
	ErrNotMember          = PermissionDenied("not a member of this channel")
	ErrNotAuthor          = PermissionDenied("only the author can do this")
	ErrOwnerOnly          = PermissionDenied("only the channel owner can do this")
	ErrPrivateChannel     = PermissionDenied("channel is private")
	ErrChannelNameTaken   = Conflict("channel name already in use")
	ErrSoleOwnerLeave     = Conflict("the owner cannot leave while other members remain")
	ErrEmptyMessage       = Validation("message cannot be empty")
	ErrMessageTooLong     = Validation("message too long")
)
