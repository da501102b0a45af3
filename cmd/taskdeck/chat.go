package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	taskdeck "github.com/taskdeck/taskdeck/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
}

var (
	sentColor    = color.New(color.FgCyan)
	pendingColor = color.New(color.FgYellow)
	peerColor    = color.New(color.FgGreen)
)

func printRecord(rec taskdeck.MessageRecord) {
	ts := rec.Timestamp.Local().Format(time.DateTime)
	switch {
	case rec.SenderRole == taskdeck.RoleReceived:
		fmt.Printf("%s  %s %s\n", ts, peerColor.Sprint("<"), rec.Text)
	case !rec.Confirmed:
		fmt.Printf("%s  %s %s %s\n", ts, pendingColor.Sprint(">"), rec.Text, pendingColor.Sprint("(pending)"))
	default:
		fmt.Printf("%s  %s %s\n", ts, sentColor.Sprint(">"), rec.Text)
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Direct messages",
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			id, err := s.identity()
			if err != nil {
				return fail("chat.history", err)
			}
			s.client.Chat().SetIdentity(id)
			timeline, err := s.client.Chat().OpenConversation(ctx, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, fail("chat.history", err))
			}
			for _, rec := range timeline {
				printRecord(rec)
			}
			return nil
		})
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <peer-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			ch, err := s.signIn(ctx)
			if err != nil {
				return fail("chat.send", err)
			}
			// best effort: the message is also delivered through the API
			connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := waitConnected(connectCtx, ch); err != nil {
				fmt.Fprintln(os.Stderr, pendingColor.Sprint("live channel unavailable, sending through the API only"))
			}
			cancel()

			rec, err := s.client.Chat().Send(ctx, args[0], strings.Join(args[1:], " "))
			printRecord(rec)
			if err != nil {
				return fail("chat.send", err)
			}
			return nil
		})
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <peer-id>",
	Short: "Open a conversation and print messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		peer := args[0]
		ch, err := s.signIn(ctx)
		if err != nil {
			return fail("chat.watch", err)
		}
		chat := s.client.Chat()

		ch.Subscribe(taskdeck.EventReceiveMessage, func(ev taskdeck.Event) {
			m := ev.(taskdeck.MessageReceived).Message
			if m.SenderID == peer || m.ReceiverID == peer {
				tl := chat.Timeline(peer)
				if len(tl) > 0 {
					printRecord(tl[len(tl)-1])
				}
			} else {
				fmt.Printf("%s\n", color.New(color.Faint).Sprintf("new message from %s", m.SenderID))
			}
		})
		ch.Subscribe(taskdeck.EventUserTyping, func(ev taskdeck.Event) {
			if t := ev.(taskdeck.TypingChanged); t.UserID == peer && t.IsTyping {
				fmt.Println(color.New(color.Faint).Sprintf("%s is typing...", peer))
			}
		})
		ch.Subscribe(taskdeck.EventDisconnect, func(ev taskdeck.Event) {
			fmt.Fprintln(os.Stderr, pendingColor.Sprint("disconnected, reconnecting..."))
		})
		ch.Subscribe(taskdeck.EventConnectError, func(ev taskdeck.Event) {
			if ce := ev.(taskdeck.ConnectError); ce.Final {
				fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint(taskdeck.UserMessage(taskdeck.ErrReconnectExhausted)))
				stop()
			}
		})

		if err := waitConnected(ctx, ch); err != nil {
			return fail("chat.watch", err)
		}
		timeline, err := chat.OpenConversation(ctx, peer)
		if err != nil {
			fmt.Fprintln(os.Stderr, fail("chat.history", err))
		}
		for _, rec := range timeline {
			printRecord(rec)
		}
		fmt.Println(color.New(color.Faint).Sprint("watching, press Ctrl+C to stop"))

		<-ctx.Done()
		chat.CloseConversation()
		return nil
	},
}
