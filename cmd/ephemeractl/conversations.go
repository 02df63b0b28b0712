package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/ephemera/pkg/chat"
)

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "Create a conversation with the given members",
	ArgsUsage: "MEMBER...",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdCreate,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "direct",
			Usage: "Create a direct conversation with exactly one other member",
		},
		&cli.StringFlag{
			Name:  "title",
			Usage: "Group title",
		},
	},
}

func cmdCreate(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify at least one member")
	}
	a := getApp(ctx)
	kind := chat.KindGroup
	if ctx.Bool("direct") {
		kind = chat.KindDirect
	}
	var title *string
	if ctx.IsSet("title") {
		title = ptr.Ptr(ctx.String("title"))
	}
	conv, err := a.store.CreateConversation(ctx.Context, kind, title, a.cfg.UserID, ctx.Args().Slice())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	fmt.Println(conv.ID)
	return nil
}

var joinCommand = &cli.Command{
	Name:      "join",
	Usage:     "Rejoin a conversation, or add a member to one you administer",
	ArgsUsage: "CONVERSATION",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdJoin,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "user",
			Usage: "Add this user instead of yourself",
		},
	},
}

func cmdJoin(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	a := getApp(ctx)
	userID := a.cfg.UserID
	if ctx.IsSet("user") {
		userID = ctx.String("user")
	}
	if err = a.store.Join(ctx.Context, convID, a.cfg.UserID, userID); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	fmt.Printf("%s joined %s\n", userID, convID)
	return nil
}

var leaveCommand = &cli.Command{
	Name:      "leave",
	Usage:     "Leave a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdLeave,
}

func cmdLeave(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	a := getApp(ctx)
	if err = a.store.Leave(ctx.Context, convID, a.cfg.UserID); err != nil {
		return fmt.Errorf("failed to leave: %w", err)
	}
	fmt.Printf("Left %s\n", convID)
	return nil
}

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "List your conversations, most recently active first",
	Before:  requiresUser,
	After:   closeApp,
	Action:  cmdConversations,
}

func cmdConversations(ctx *cli.Context) error {
	convs, err := getApp(ctx).client.ListConversations(ctx.Context)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	for _, conv := range convs {
		title := ""
		if conv.Title != nil {
			title = *conv.Title
		}
		fmt.Printf("%s  %-6s  %-20s  %3d unread  active %s\n",
			conv.ID, conv.Kind, title, conv.UnreadCount, conv.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

var rosterCommand = &cli.Command{
	Name:      "roster",
	Usage:     "List the active participants of a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    requiresUser,
	After:     closeApp,
	Action:    cmdRoster,
}

func cmdRoster(ctx *cli.Context) error {
	convID, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	roster, err := getApp(ctx).client.Roster(ctx.Context, convID)
	if err != nil {
		return err
	}
	for _, p := range roster {
		lastRead := "never"
		if p.LastReadAt != nil {
			lastRead = p.LastReadAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%-20s  %-6s  read %s\n", p.UserID, p.Role, lastRead)
	}
	return nil
}

func conversationArg(ctx *cli.Context) (string, error) {
	convID := strings.TrimSpace(ctx.Args().First())
	if convID == "" {
		return "", fmt.Errorf("you must specify a conversation")
	}
	return convID, nil
}
