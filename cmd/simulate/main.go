package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-booking-sync/internal/api"
	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
	"github.com/hackgods/appointment-booking-sync/pkg/syncclient"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Patients     int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	SlotLimit    int
	Observe      bool
}

type DataPool struct {
	Patients []string
	Slots    []appointment.Slot

	mu           sync.RWMutex
	appointments []string
}

func (dp *DataPool) AddAppointment(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return "", false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	i := n * p / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Booking  OperationMetrics
	Cancel   OperationMetrics
	ReadByID OperationMetrics
	Search   OperationMetrics
}

// observerStats is what the Connection Manager saw while the load ran.
type observerStats struct {
	events     int64
	outOfOrder int64
	gaps       int64
	fallbacks  int64
	lastSeq    uint64
}

type Simulator struct {
	config   SimConfig
	pool     *DataPool
	client   *http.Client
	metrics  Metrics
	observed observerStats
	logger   zerolog.Logger
}

func main() {
	root := &cobra.Command{
		Use:   "simulate",
		Short: "Drive booking load against a running api-server",
	}
	root.AddCommand(loadCmd(), raceCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadCmd() *cobra.Command {
	var cfg SimConfig
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Mixed booking, cancellation and read traffic with an event observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(cfg); err != nil {
				return err
			}
			sim := newSimulator(cfg)
			if err := sim.loadPool(cmd.Context()); err != nil {
				return err
			}
			sim.Run(cmd.Context())
			sim.PrintReport()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "api", "http://localhost:8080", "api-server base URL")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.IntVar(&cfg.Patients, "patients", 500, "synthetic patients")
	f.Float64Var(&cfg.BookingRatio, "booking", 0.5, "share of booking requests")
	f.Float64Var(&cfg.CancelRatio, "cancel", 0.2, "share of cancellations")
	f.Float64Var(&cfg.ReadRatio, "read", 0.3, "share of reads")
	f.IntVar(&cfg.SlotLimit, "slots", 500, "free slots to target")
	f.BoolVar(&cfg.Observe, "observe", true, "follow the event stream while the load runs")
	return cmd
}

// raceCmd fires concurrent bookings at one slot and checks exactly one wins.
func raceCmd() *cobra.Command {
	var (
		base     string
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Book one slot from many clients at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := newSimulator(SimConfig{APIBaseURL: base, SlotLimit: 1})
			if err := sim.loadPool(cmd.Context()); err != nil {
				return err
			}
			slot := sim.pool.Slots[0]

			var wins, conflicts, failures int64
			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					status, _, err := sim.book(cmd.Context(), api.CreateAppointmentRequest{
						PatientID: fmt.Sprintf("race-patient-%d", i),
						SlotID:    slot.ID,
					})
					switch {
					case err != nil:
						atomic.AddInt64(&failures, 1)
					case status == http.StatusCreated:
						atomic.AddInt64(&wins, 1)
					case status == http.StatusConflict:
						atomic.AddInt64(&conflicts, 1)
					default:
						atomic.AddInt64(&failures, 1)
					}
				}(i)
			}
			wg.Wait()

			fmt.Printf("slot %s: %d booked, %d conflicts, %d failures\n", slot.ID, wins, conflicts, failures)
			if wins != 1 {
				return fmt.Errorf("expected exactly one booking, got %d", wins)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "api", "http://localhost:8080", "api-server base URL")
	cmd.Flags().IntVar(&attempts, "attempts", 20, "concurrent booking attempts")
	return cmd
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("duration must be > 0")
	}
	if cfg.BookingRatio+cfg.CancelRatio+cfg.ReadRatio <= 0 {
		return errors.New("at least one operation ratio must be positive")
	}
	return nil
}

func newSimulator(cfg SimConfig) *Simulator {
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		logger: obs.NewLogger("dev", "info", "console").With().Str("service", "simulate").Logger(),
	}
}

func (s *Simulator) loadPool(ctx context.Context) error {
	q := url.Values{}
	q.Set("start", time.Now().UTC().Format(time.RFC3339))
	q.Set("status", string(appointment.SlotFree))
	q.Set("limit", fmt.Sprint(s.config.SlotLimit))

	var list api.SlotListResponse
	if err := s.getJSON(ctx, "/slots?"+q.Encode(), &list); err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	if len(list.Slots) == 0 {
		return errors.New("no free slots, run the seed command first")
	}
	s.pool.Slots = list.Slots

	for i := 0; i < s.config.Patients; i++ {
		s.pool.Patients = append(s.pool.Patients, "pat-"+strings.ToLower(gofakeit.LetterN(10)))
	}
	s.logger.Info().Int("slots", len(s.pool.Slots)).Int("patients", len(s.pool.Patients)).Msg("data pool loaded")
	return nil
}

func (s *Simulator) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var observer sync.WaitGroup
	if s.config.Observe {
		observer.Add(1)
		go func() {
			defer observer.Done()
			s.observe(ctx)
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	cancel()
	observer.Wait()
	s.logger.Info().Msg("simulation complete")
}

// observe follows the event stream through the Connection Manager and checks that
// seqs only ever increase.
func (s *Simulator) observe(ctx context.Context) {
	base := s.config.APIBaseURL
	mgr := syncclient.New(syncclient.Config{
		PushURL: "ws" + strings.TrimPrefix(base, "http") + "/ws",
		PollURL: base + "/events",
		Logger:  s.logger,
	})

	go func() {
		for sig := range mgr.Signals() {
			switch sig.Kind {
			case syncclient.SignalReplayGap:
				atomic.AddInt64(&s.observed.gaps, 1)
			case syncclient.SignalFallback:
				atomic.AddInt64(&s.observed.fallbacks, 1)
			}
			s.logger.Info().Str("signal", string(sig.Kind)).Err(sig.Err).Msg("connection signal")
		}
	}()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	var last uint64
	for e := range mgr.Events() {
		if e.Seq <= last {
			atomic.AddInt64(&s.observed.outOfOrder, 1)
		}
		last = e.Seq
		atomic.AddInt64(&s.observed.events, 1)
		atomic.StoreUint64(&s.observed.lastSeq, e.Seq)
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error().Err(err).Msg("event observer stopped")
	}
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case rng.Intn(2) == 0:
			s.doReadByID(ctx, rng)
		default:
			s.doSearch(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	req := api.CreateAppointmentRequest{
		PatientID: s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		Reason:    "follow-up " + gofakeit.Word(),
	}
	// half the traffic names a slot, the rest asks for a time and lets the engine pick
	if rng.Intn(2) == 0 {
		req.SlotID = slot.ID
	} else {
		start := slot.Start
		req.Start = &start
		req.DurationMinutes = int(slot.Duration() / time.Minute)
		req.ServiceType = slot.ServiceType
	}

	start := time.Now()
	status, appt, err := s.book(ctx, req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusCreated
	if success && appt.ID != "" {
		s.pool.AddAppointment(appt.ID)
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) book(ctx context.Context, req api.CreateAppointmentRequest) (int, appointment.Appointment, error) {
	var appt appointment.Appointment
	status, err := s.postJSON(ctx, "/appointments", req, &appt)
	return status, appt, err
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.postJSON(ctx, "/appointments/"+id+"/cancel", api.CancelRequest{Reason: "simulated"}, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	err := s.getJSON(ctx, "/appointments/"+id, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByID.Record(latency, err == nil, false)
}

func (s *Simulator) doSearch(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	q := url.Values{}
	q.Set("practitioner", slot.PractitionerID)
	q.Set("start", slot.Start.Add(-2*time.Hour).Format(time.RFC3339))
	q.Set("end", slot.Start.Add(2*time.Hour).Format(time.RFC3339))

	start := time.Now()
	err := s.getJSON(ctx, "/slots?"+q.Encode(), nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Search.Record(latency, err == nil, false)
}

func (s *Simulator) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Slot search", &s.metrics.Search)

	if s.config.Observe {
		fmt.Println("Event stream:")
		fmt.Printf("  Events: %d (last seq %d)\n", atomic.LoadInt64(&s.observed.events), atomic.LoadUint64(&s.observed.lastSeq))
		fmt.Printf("  Out of order: %d\n", atomic.LoadInt64(&s.observed.outOfOrder))
		fmt.Printf("  Replay gaps: %d\n", atomic.LoadInt64(&s.observed.gaps))
		fmt.Printf("  Fallbacks to polling: %d\n", atomic.LoadInt64(&s.observed.fallbacks))
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
