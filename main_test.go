package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
	"parley/internal/blob"
	"parley/internal/clock"
	"parley/internal/db"
	"parley/internal/messaging"
	mw "parley/internal/middleware"
)

func TestSweepFollowsInjectedClock(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Init(filepath.Join(dir, "parley.db"), 16)
	require.NoError(t, err)
	defer database.Close()
	blobs, err := blob.NewLocal(filepath.Join(dir, "uploads"), "/uploads")
	require.NoError(t, err)

	clk := clock.Fake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	svc := messaging.New(database, blobs, clk, zerolog.Nop(), messaging.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	att, err := svc.StageUpload(ctx, "A", messaging.Upload{FileName: "orphan.txt", Body: strings.NewReader("lost")})
	require.NoError(t, err)

	go func() {
		sweep(ctx, clk, zerolog.Nop(), svc, mw.NewIPRateLimiter(60, 5), 10*time.Minute, time.Hour)
		close(stopped)
	}()
	clk.WaitForTimers(1)

	// Ticks before the retention window leave the upload alone.
	clk.Advance(10 * time.Minute)
	_, err = database.GetAttachment(ctx, att.ID)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	require.Eventually(t, func() bool {
		_, err := database.GetAttachment(ctx, att.ID)
		return apperr.IsCode(err, apperr.CodeNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	assert.Zero(t, clk.Pending())
}
