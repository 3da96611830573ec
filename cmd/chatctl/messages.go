package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/rpc/chatv1"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

func init() {
	historyCmd.Flags().String("grpc", "", "read history over gRPC from this address instead of REST")
	sendCmd.Flags().String("image", "", "image reference to attach")
	chatsCmd.Flags().Int("limit", 20, "maximum number of conversations")

	rootCmd.AddCommand(historyCmd, sendCmd, deleteCmd, chatsCmd, readCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history PEER",
	Short: "Print the conversation with PEER",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var (
			msgs []*data.Message
			err  error
		)
		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			msgs, err = grpcHistory(ctx, addr, opts.user, args[0])
		} else {
			msgs, err = restClient().History(ctx, opts.user, args[0])
		}
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send PEER TEXT",
	Short: "Send a message to PEER",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		m, err := restClient().CreateMessage(cmd.Context(), opts.user, args[0], args[1], image)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := restClient().DeleteMessage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", m.ID)
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sums, err := restClient().Conversations(cmd.Context(), opts.user, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range sums {
			unread := ""
			if s.Unread > 0 {
				unread = " (" + strconv.FormatInt(s.Unread, 10) + " unread)"
			}
			fmt.Fprintf(out, "%s%s\n    %s\n", s.Partner, unread, formatMessage(s.LastMessage))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read PEER",
	Short: "Mark PEER's messages as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := restClient().MarkRead(cmd.Context(), opts.user, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d marked read\n", n)
		return nil
	},
}

func grpcHistory(ctx context.Context, addr, self, peer string) ([]*data.Message, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if opts.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+opts.token)
	} else {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", self)
	}

	req, err := chatv1.NewHistoryRequest(self, peer)
	if err != nil {
		return nil, err
	}
	stream, err := chatv1.NewChatServiceClient(conn).GetHistory(ctx, req)
	if err != nil {
		return nil, err
	}

	var out []*data.Message
	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		m, err := chatv1.StructToMessage(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
}

func formatMessage(m *data.Message) string {
	if m == nil {
		return ""
	}
	body := m.Content
	if m.Image != "" {
		if body != "" {
			body += " "
		}
		body += "[image " + m.Image + "]"
	}
	if m.Deleted {
		body = "(deleted)"
	}
	read := ""
	if m.Read {
		read = " ✓"
	}
	return fmt.Sprintf("%s %s: %s  #%s%s", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Sender, body, m.ID, read)
}
