package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/fulfillment/internal/repositories"
)

var (
	replayStage string
	replaySince string
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay-dead-letters",
	Short: "Replay dead letters",
	Long: `Replay dead letters that have not been replayed yet. Publish and command
letters go back to the outbox and are sent by the next relay run; ingest
letters are processed again immediately.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayStage, "stage", "", "only replay letters of this stage (ingest, publish, command)")
	replayCmd.Flags().StringVar(&replaySince, "since", "", "only replay letters created after this time (RFC3339)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "maximum number of letters to replay")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := repositories.DeadLetterFilter{Stage: replayStage, Limit: replayLimit}
	switch replayStage {
	case "", "ingest", "publish", "command":
	default:
		return errors.Errorf("invalid stage %q", replayStage)
	}
	if replaySince != "" {
		since, err := time.Parse(time.RFC3339, replaySince)
		if err != nil {
			return errors.Wrap(err, "invalid --since")
		}
		filter.Since = since
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info().Str("stage", replayStage).Str("since", replaySince).Int("limit", replayLimit).Msg("Replaying dead letters")
	count, err := a.replayer.ReplayAll(ctx, filter)
	if err != nil {
		log.Error().Err(err).Int("replayed", count).Msg("Replay stopped")
		return err
	}

	log.Info().Int("replayed", count).Msg("Dead letters replayed")
	return nil
}
