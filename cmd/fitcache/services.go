package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/advice"
	"github.com/fitlab/go-fitness/eventing"
	"github.com/fitlab/go-fitness/keys"
	"github.com/fitlab/go-fitness/leaderboard"
	"github.com/fitlab/go-fitness/library"
	"github.com/spf13/cobra"
)

var errAdviceDisabled = errors.New("openai.api_key is not configured")

// services are the feature stores built on top of the app cache.
type services struct {
	advice      *advice.Service
	leaderboard *leaderboard.Service
	library     *library.Service
	repo        library.Repository
}

func (s *services) Close() {
	if s.repo != nil {
		s.repo.Close()
	}
}

func (a *app) services(ctx context.Context, pub eventing.Publisher) (*services, error) {
	advisor := advice.Advisor(advice.AdvisorFunc(func(context.Context, advice.Request) (advice.Advice, error) {
		return advice.Advice{}, errAdviceDisabled
	}))
	if key := a.cfg.OpenAI.APIKey.Value(); key != "" {
		var err error
		advisor, err = advice.NewOpenAIAdvisor(advice.OpenAIConfig{
			APIKey:  key,
			BaseURL: a.cfg.OpenAI.BaseURL,
			Model:   a.cfg.OpenAI.Model,
			Timeout: a.cfg.OpenAI.Timeout.D(),
		})
		if err != nil {
			return nil, err
		}
	}
	repo, err := library.NewSQLiteRepository(ctx, a.cfg.Library.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &services{repo: repo}
	adviceOpts := []advice.Option{advice.WithLogger(a.log)}
	boardOpts := []leaderboard.Option{leaderboard.WithLogger(a.log)}
	libraryOpts := []library.Option{library.WithLogger(a.log)}
	if pub != nil {
		adviceOpts = append(adviceOpts, advice.WithPublisher(pub))
		boardOpts = append(boardOpts, leaderboard.WithPublisher(pub))
		libraryOpts = append(libraryOpts, library.WithPublisher(pub))
	}
	s.advice = advice.NewService(a.cache, advisor, adviceOpts...)
	s.library = library.NewService(a.cache, repo, libraryOpts...)
	if a.rdb != nil {
		s.leaderboard = leaderboard.NewService(a.cache, leaderboard.NewRedisSource(a.rdb, a.cfg.Cache.Prefix), boardOpts...)
	}
	return s, nil
}

// publisher returns the bus as a Publisher, or nil when events are disabled.
func (a *app) publisher(ctx context.Context) eventing.Bus {
	bus, err := a.bus(ctx)
	if err != nil {
		a.log.Debug("not publishing events: %s", err)
		return nil
	}
	return bus
}

func withServices(fn func(cmd *cobra.Command, a *app, s *services, args []string) error) func(*cobra.Command, []string) error {
	return run(func(cmd *cobra.Command, a *app, args []string) error {
		ctx := cmd.Context()
		var pub eventing.Publisher
		if bus := a.publisher(ctx); bus != nil {
			defer bus.Close()
			pub = bus
		}
		s, err := a.services(ctx, pub)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, a, s, args)
	})
}

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <kind> <subject> [detail]",
		Short: "Publish an invalidation event to every process",
		Long: `Publish an invalidation event. Kinds and arguments:

  profile.updated <user>
  library.changed <user> [workouts|recipes]
  score.recorded  <board> [daily|weekly|monthly|alltime]`,
		Args: cobra.RangeArgs(2, 3),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			detail := ""
			if len(args) == 3 {
				detail = args[2]
			}
			var ev eventing.Event
			switch eventing.Kind(args[0]) {
			case eventing.KindProfileUpdated:
				ev = eventing.ProfileUpdated(args[1])
			case eventing.KindLibraryChanged:
				ev = eventing.LibraryChanged(args[1], detail)
			case eventing.KindScoreRecorded:
				ev = eventing.ScoreRecorded(args[1], detail)
			default:
				return errors.Newf("unknown event kind %q", args[0])
			}
			bus, err := a.bus(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()
			if err := bus.Publish(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", ev.Kind, ev.ID)
			return nil
		}),
	}
}

func newListenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Apply invalidation events from other processes to this cache until interrupted",
		Args:  cobra.NoArgs,
		RunE: withServices(func(cmd *cobra.Command, a *app, s *services, args []string) error {
			ctx := cmd.Context()
			bus, err := a.bus(ctx)
			if err != nil {
				return err
			}
			defer bus.Close()

			inv := eventing.NewInvalidator(a.log)
			s.advice.Register(inv)
			s.library.Register(inv)
			if s.leaderboard != nil {
				s.leaderboard.Register(inv)
			}
			sub, err := inv.Run(ctx, bus)
			if err != nil {
				return err
			}
			defer sub.Close()
			a.log.Info("listening for %d event kinds", len(inv.Kinds()))
			<-ctx.Done()
			return nil
		}),
	}
}

func newAdviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advice <user> [goal]",
		Short: "Print the weekly nutrition advice for a user, producing it on a miss",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withServices(func(cmd *cobra.Command, a *app, s *services, args []string) error {
			week, err := weekFlag(cmd)
			if err != nil {
				return err
			}
			goal := ""
			if len(args) == 2 {
				goal = args[1]
			}
			adv, err := s.advice.Advice(cmd.Context(), args[0], week, goal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# week of %s (%s)\n%s\n", adv.Week, adv.Model, adv.Text)
			return nil
		}),
	}
	cmd.Flags().String("week", "", "any date in the week, YYYY-MM-DD (default today)")
	return cmd
}

func weekFlag(cmd *cobra.Command) (time.Time, error) {
	v, _ := cmd.Flags().GetString("week")
	if v == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid --week %q", v)
	}
	return t, nil
}

func newTopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top <board> <period>",
		Short: "Print the leaderboard of a board period",
		Args:  cobra.ExactArgs(2),
		RunE: withServices(func(cmd *cobra.Command, a *app, s *services, args []string) error {
			if s.leaderboard == nil {
				return errors.New("leaderboards need redis")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			snap, err := s.leaderboard.Top(cmd.Context(), args[0], keys.Period(args[1]), time.Now(), limit)
			if err != nil {
				return err
			}
			for _, e := range snap.Entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %-24s %g\n", e.Rank, e.UserID, e.Score)
			}
			return nil
		}),
	}
	cmd.Flags().Int("limit", leaderboard.DefaultLimit, "number of rows")
	return cmd
}

func newRecordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "record <board> <user> <delta>",
		Short: "Add to a user's score and invalidate the board's cached views",
		Args:  cobra.ExactArgs(3),
		RunE: withServices(func(cmd *cobra.Command, a *app, s *services, args []string) error {
			if s.leaderboard == nil {
				return errors.New("leaderboards need redis")
			}
			delta, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return errors.Wrapf(err, "invalid delta %q", args[2])
			}
			return s.leaderboard.Record(cmd.Context(), args[0], args[1], delta)
		}),
	}
}

func newLibraryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library <user> <workouts|recipes>",
		Short: "Print one page of a user's saved items",
		Args:  cobra.ExactArgs(2),
		RunE: withServices(func(cmd *cobra.Command, a *app, s *services, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("size")
			spec, _ := cmd.Flags().GetString("sort")
			sort, err := keys.ParseSort(spec)
			if err != nil {
				return err
			}
			p, err := keys.NewPageable(page, size, sort...)
			if err != nil {
				return err
			}
			res, err := s.library.Page(cmd.Context(), args[0], library.Kind(args[1]), p)
			if err != nil {
				return err
			}
			for _, item := range res.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-32s %s\n", item.ID, item.Title, item.SavedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# page %d, %d of %d items\n", res.Page, len(res.Items), res.Total)
			return nil
		}),
	}
	cmd.Flags().Int("page", 0, "page number, from 0")
	cmd.Flags().Int("size", library.DefaultPageSize, "page size")
	cmd.Flags().String("sort", "", "sort spec, e.g. savedAt:desc,title")
	return cmd
}
