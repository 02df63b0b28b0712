package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/ephemera/pkg/chat"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Print new messages as they arrive",
	ArgsUsage: "CONVERSATION...",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdWatch,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "read",
			Usage: "Mark conversations as read as messages are printed",
		},
	},
}

func cmdWatch(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify at least one conversation")
	}
	a := getApp(ctx)
	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	markRead := ctx.Bool("read")
	a.onMessage = func(msg chat.Message, fromOther bool) {
		fmt.Println(formatMessage(&msg, a.cfg.UserID, time.Now()))
		if markRead && fromOther {
			// The handler runs on the feed's delivery goroutine.
			go func() {
				if err := a.client.MarkAsRead(sigCtx, msg.ConversationID); err != nil {
					a.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to mark as read")
				}
			}()
		}
	}

	for _, convID := range ctx.Args().Slice() {
		page, err := a.client.FetchMessages(sigCtx, convID, "")
		if err != nil {
			return err
		}
		fmt.Printf("== %s (%d unread)\n", convID, a.client.UnreadCount(convID))
		for i := len(page.Messages) - 1; i >= 0; i-- {
			fmt.Println(formatMessage(&page.Messages[i], a.cfg.UserID, time.Now()))
		}
		if err = a.client.Subscribe(sigCtx, convID); err != nil {
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(sigCtx)
	if a.registry != nil {
		server := &http.Server{
			Addr:    a.cfg.Metrics.Listen,
			Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		}
		eg.Go(func() error {
			a.log.Info().Str("listen", server.Addr).Msg("Serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	eg.Go(func() error {
		// Hide messages whose lifetime ends while watching.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				for _, convID := range ctx.Args().Slice() {
					a.client.DropExpired(convID)
				}
			}
		}
	})
	err := eg.Wait()
	a.log.Info().Msg("Stopped watching")
	return err
}
