package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tiktoken-go/tokenizer"

	"github.com/dartopia/codeflow/pkg/channel"
	"github.com/dartopia/codeflow/pkg/chat"
)

// NewChatCommand builds the interactive chat REPL.
func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend over the persistent event channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
	cmd.Flags().String("model", "gemini-2.5-pro-exp-03-25", "model name")
	cmd.Flags().Float64("temperature", 0.7, "sampling temperature")
	cmd.Flags().Bool("voice", false, "request voice synthesis with answers")
	cmd.Flags().Bool("windowing", true, "bound the history sent with each turn")
	cmd.Flags().String("system", "", "system instructions for new conversations")
	cmd.Flags().Bool("exact-tokens", false, "count tokens with a real BPE codec instead of the length heuristic")
	cmd.Flags().Int("max-reconnects", 5, "reconnection attempts before giving up")
	cmd.Flags().Duration("heartbeat", 30*time.Second, "heartbeat interval")
	cobra.CheckErr(viper.BindPFlags(cmd.Flags()))
	return cmd
}

func runChat(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := channel.DefaultConfig()
	cfg.Addr = viper.GetString("channel-addr")
	cfg.MaxReconnectAttempts = viper.GetInt("max-reconnects")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat")

	mgr, err := channel.NewManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var estimator chat.Estimator
	if viper.GetBool("exact-tokens") {
		estimator, err = chat.NewTiktokenEstimator(tokenizer.Cl100kBase)
		if err != nil {
			return err
		}
	}

	replies := make(chan *chat.Message, 1)
	store, err := chat.NewSessionStore(chat.SessionStoreConfig{
		Model:        viper.GetString("model"),
		Temperature:  viper.GetFloat64("temperature"),
		EnableVoice:  viper.GetBool("voice"),
		UseWindowing: viper.GetBool("windowing"),
		Estimator:    estimator,
		OnAssistantMessage: func(convID string, msg *chat.Message) {
			select {
			case replies <- msg:
			default:
			}
		},
	}, mgr)
	if err != nil {
		return err
	}
	store.NewConversation("", viper.GetString("system"))

	loop, err := store.Attach(ctx, mgr.Bus())
	if err != nil {
		return errors.Wrap(err, "attaching to channel bus")
	}
	go func() {
		if err := loop(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("session event loop stopped")
		}
	}()
	if err := mgr.Acquire(ctx); err != nil {
		return errors.Wrap(err, "acquiring channel")
	}

	fmt.Println("channel acquired; type a message, ctrl-d to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if _, err := store.SubmitMessage(ctx, scanner.Text()); err != nil {
			switch {
			case errors.Is(err, chat.ErrEmptyMessage):
				continue
			case errors.Is(err, chat.ErrExchangeBusy):
				fmt.Println("still waiting for the previous answer")
				continue
			default:
				fmt.Printf("send failed: %v\n", err)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case msg := <-replies:
			printAssistant(msg)
			usage := store.ActiveConversation().Usage
			log.Debug().Int("input", usage.Input).Int("output", usage.Output).Int("total", usage.Total).Msg("token usage")
		}
	}
}

func printAssistant(msg *chat.Message) {
	if msg.Status == chat.StatusError {
		fmt.Printf("! %s\n", msg.Content)
		return
	}
	fmt.Printf("%s\n", msg.Content)
}
