package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/ephemera/pkg/chat"
	"github.com/lrhodin/ephemera/pkg/media"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show one page of a conversation's messages",
	ArgsUsage: "CONVERSATION",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdHistory,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "cursor",
			Usage: "Continue from the cursor printed by a previous call",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Page size (defaults to messages.page_size)",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	a := getApp(ctx)
	page, err := a.client.FetchPage(ctx.Context, convID, ctx.Int("limit"), ctx.String("cursor"))
	if err != nil {
		return err
	}
	if len(page.Messages) == 0 {
		fmt.Println("No messages")
	}
	now := time.Now()
	msgs := slices.Clone(page.Messages)
	slices.Reverse(msgs)
	for _, msg := range msgs {
		fmt.Println(formatMessage(&msg, a.cfg.UserID, now))
	}
	if page.HasMore {
		fmt.Printf("\nOlder messages: ephemeractl history %s --cursor %s\n", convID, page.Cursor)
	}
	return nil
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "CONVERSATION [TEXT...]",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdSend,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "photo",
			Usage: "Send the image at this path instead of text",
		},
		&cli.StringFlag{
			Name:  "idempotency-key",
			Usage: "Reuse the key printed by a failed send to retry it without duplicating",
		},
	},
}

func cmdSend(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	a := getApp(ctx)
	var draft chat.Draft
	if photo := ctx.String("photo"); photo != "" {
		mediaStore, err := media.NewStore(a.cfg.Media.Directory, a.cfg.Media.MaxSize, *a.log)
		if err != nil {
			return err
		}
		obj, err := mediaStore.PutFile(photo)
		if err != nil {
			return fmt.Errorf("failed to store photo: %w", err)
		}
		draft = media.PhotoDraft(convID, obj)
	} else {
		draft = chat.NewDraft(convID, strings.Join(ctx.Args().Tail(), " "), chat.MessageText)
	}
	if key := ctx.String("idempotency-key"); key != "" {
		draft.IdempotencyKey = key
	}
	msg, err := a.client.Send(ctx.Context, draft)
	if err != nil {
		if chat.Code(err) == chat.CodeNetwork {
			return fmt.Errorf("%w (retry with --idempotency-key %s)", err, draft.IdempotencyKey)
		}
		return err
	}
	fmt.Printf("Sent %s, expires %s\n", msg.ID, msg.ExpiresAt.Local().Format(time.DateTime))
	return nil
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark a conversation as read",
	ArgsUsage: "CONVERSATION",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdRead,
}

func cmdRead(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	if err = getApp(ctx).client.MarkAsRead(ctx.Context, convID); err != nil {
		return err
	}
	fmt.Printf("Marked %s as read\n", convID)
	return nil
}

var purgeCommand = &cli.Command{
	Name:   "purge",
	Usage:  "Delete expired messages from the database",
	Before: prepareApp,
	After:  closeApp,
	Action: cmdPurge,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "grace",
			Usage: "Keep expired messages for this long (defaults to messages.purge_grace)",
		},
	},
}

func cmdPurge(ctx *cli.Context) error {
	a := getApp(ctx)
	grace := a.cfg.Messages.PurgeGrace
	if ctx.IsSet("grace") {
		grace = ctx.Duration("grace")
	}
	count, err := a.store.PurgeExpired(ctx.Context, grace)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d expired messages\n", count)
	return nil
}

func formatMessage(msg *chat.Message, selfID string, now time.Time) string {
	sender := msg.SenderID
	if sender == selfID {
		sender = "you"
	}
	content := msg.Content
	if msg.Kind == chat.MessagePhoto {
		content = "[photo " + msg.Content + "]"
	}
	left := msg.ExpiresAt.Sub(now).Truncate(time.Minute)
	return fmt.Sprintf("[%s] %s: %s (expires in %s)",
		msg.CreatedAt.Local().Format(time.TimeOnly), sender, content, left)
}
