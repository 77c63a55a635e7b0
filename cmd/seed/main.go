package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-booking-sync/internal/app"
	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedOptions struct {
	practitioners int
	days          int
	slotMinutes   int
	dayStart      int
	dayEnd        int
	occupancy     float64
	seed          int64
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate practitioners and free slots in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.practitioners, "practitioners", 20, "number of practitioners")
	cmd.Flags().IntVar(&opts.days, "days", 5, "days of schedule starting tomorrow")
	cmd.Flags().IntVar(&opts.slotMinutes, "slot-minutes", 30, "slot length in minutes")
	cmd.Flags().IntVar(&opts.dayStart, "day-start", 9, "first slot hour (UTC)")
	cmd.Flags().IntVar(&opts.dayEnd, "day-end", 17, "hour the last slot ends (UTC)")
	cmd.Flags().Float64Var(&opts.occupancy, "unavailable", 0.1, "share of slots created busy-unavailable")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed, 0 picks one")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	if opts.slotMinutes <= 0 || opts.dayEnd <= opts.dayStart || opts.practitioners <= 0 || opts.days <= 0 {
		return fmt.Errorf("invalid schedule shape")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "seed").Logger()
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("seeding the in-memory store only lasts for this process")
	}

	res, err := app.Open(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer res.Close()

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	faker := gofakeit.New(uint64(seed))

	svc := appointment.NewService(res.Store, events.NopPublisher{}, cfg.Booking, zerolog.Nop(), nil)
	created, err := seedSlots(ctx, svc, faker, opts, logger)
	if err != nil {
		return err
	}
	logger.Info().Int("slots", created).Int64("seed", seed).Msg("seed complete")
	return nil
}

type practitioner struct {
	id        string
	name      string
	specialty string
}

func seedSlots(ctx context.Context, svc *appointment.Service, faker *gofakeit.Faker, opts seedOptions, logger zerolog.Logger) (int, error) {
	practitioners := make([]practitioner, opts.practitioners)
	for i := range practitioners {
		practitioners[i] = practitioner{
			id:        "prac-" + strings.ToLower(faker.LetterN(8)),
			name:      "Dr. " + faker.LastName(),
			specialty: specialties[faker.Number(0, len(specialties)-1)],
		}
	}

	slotLen := time.Duration(opts.slotMinutes) * time.Minute
	first := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	created := 0

	for _, p := range practitioners {
		schedule := "sched-" + uuid.NewString()
		for d := 0; d < opts.days; d++ {
			day := first.Add(time.Duration(d) * 24 * time.Hour)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			end := day.Add(time.Duration(opts.dayEnd) * time.Hour)
			for start := day.Add(time.Duration(opts.dayStart) * time.Hour); !start.Add(slotLen).After(end); start = start.Add(slotLen) {
				status := appointment.SlotFree
				if faker.Float64() < opts.occupancy {
					status = appointment.SlotBusyUnavailable
				}
				if _, err := svc.CreateSlot(ctx, appointment.Slot{
					ScheduleID:     schedule,
					PractitionerID: p.id,
					ServiceType:    p.specialty,
					Start:          start,
					End:            start.Add(slotLen),
					Status:         status,
				}); err != nil {
					return created, fmt.Errorf("create slot for %s: %w", p.id, err)
				}
				created++
			}
		}
		logger.Info().Str("practitioner_id", p.id).Str("name", p.name).Str("specialty", p.specialty).Msg("practitioner seeded")
	}
	return created, nil
}
