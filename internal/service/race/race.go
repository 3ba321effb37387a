package race

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gpufleet/gpufleet/internal/blacklist"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultGPUsPerRound is how many candidates one round holds at once
	DefaultGPUsPerRound = 5

	// DefaultTimeoutPerRound bounds the SSH wait for one candidate set
	DefaultTimeoutPerRound = 90 * time.Second

	// DefaultMaxRounds bounds the whole race
	DefaultMaxRounds = 3

	// DefaultCheckInterval is how often each candidate is re-probed
	DefaultCheckInterval = 2 * time.Second

	// DefaultStaggerInterval spaces rental requests so the marketplace's
	// rate limiter never sees a burst
	DefaultStaggerInterval = 200 * time.Millisecond

	// rentBudgetMultiplier: a round may issue this many times gpus_per_round
	// rental requests before giving up on filling the candidate set
	rentBudgetMultiplier = 3

	// rentRetryAttempts bounds retries of a single rental on HTTP 429
	rentRetryAttempts = 3
)

// Marketplace is the read-only slice of the provider the race consults.
// Rentals and destroys go through the lifecycle controller, never here.
type Marketplace interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.GPUOffer, error)
	GetInstance(ctx context.Context, instanceID string) (*models.Instance, error)
}

// Lifecycle is the slice of the lifecycle controller the race needs
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*models.Instance, error)
	Destroy(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
}

// Prober checks SSH liveness of a candidate
type Prober interface {
	ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) (string, error)
}

// Verifier confirms a candidate's GPUs answer nvidia-smi before it can
// win. SSH coming up proves the box booted, not that the driver works.
type Verifier interface {
	VerifyGPUs(ctx context.Context, host string, port int, user, privateKey string, wantGPUs int) error
}

// Requirements bound what hardware qualifies for the race
type Requirements struct {
	MinGPURAMMb int
	MaxPrice    float64
	DiskGB      float64
	Image       string
	OnStart     string
	GPUName     string // optional exact GPU model
}

// Policy shapes one race: how many candidates per round and for how long.
// Zero fields fall back to the provisioner defaults.
type Policy struct {
	GPUsPerRound    int
	TimeoutPerRound time.Duration
	MaxRounds       int
	CheckInterval   time.Duration
}

func (p Policy) withDefaults(d Policy) Policy {
	if p.GPUsPerRound <= 0 {
		p.GPUsPerRound = d.GPUsPerRound
	}
	if p.TimeoutPerRound <= 0 {
		p.TimeoutPerRound = d.TimeoutPerRound
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = d.MaxRounds
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = d.CheckInterval
	}
	return p
}

// Request is one ProvisionFast call
type Request struct {
	Requirements Requirements
	Policy       Policy
	Reason       string
	CallerSource models.CallerSource

	// JournalID groups the race's speculative rentals under a caller-owned
	// cleanup group. Empty means the race owns the group: it commits on a
	// win and rolls back on exhaustion.
	JournalID string
}

// Result is a won race
type Result struct {
	Winner    *models.Instance
	Rounds    int
	GPUsTried int
	Duration  time.Duration
	Uptime    string // winner's uptime line from the deciding probe
}

// Provisioner rents several offers speculatively and keeps the first one
// whose SSH answers (and whose GPUs check out, when a verifier is
// wired). The marketplace is concurrent enough that serial rent-and-wait
// loses offers faster than it can probe them.
type Provisioner struct {
	market    Marketplace
	lifecycle Lifecycle
	prober    Prober
	verifier  Verifier // nil skips GPU verification
	blacklist *blacklist.Blacklist
	journal   *resilience.Journal
	audit     *resilience.AuditLog
	logger    *slog.Logger

	defaults     Policy
	defaultImage string
	defaultDisk  float64
	sshUser      string
	sshKey       string
	sshPublicKey string

	// One limiter across all rounds and callers: stagger is about being a
	// polite marketplace client, not about per-race pacing.
	limiter *rate.Limiter

	// For time mocking in tests
	now func() time.Time
}

// Option configures the provisioner
type Option func(*Provisioner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logger.With("component", "race")
	}
}

// WithJournal records speculative rentals for crash-safe cleanup
func WithJournal(j *resilience.Journal) Option {
	return func(p *Provisioner) {
		p.journal = j
	}
}

// WithAuditLog mirrors race outcomes and blacklist additions
func WithAuditLog(a *resilience.AuditLog) Option {
	return func(p *Provisioner) {
		p.audit = a
	}
}

// WithDefaults sets the fallback race policy
func WithDefaults(pol Policy) Option {
	return func(p *Provisioner) {
		p.defaults = pol.withDefaults(p.defaults)
	}
}

// WithImage sets the image and disk used when a request leaves them empty
func WithImage(image string, diskGB float64) Option {
	return func(p *Provisioner) {
		if image != "" {
			p.defaultImage = image
		}
		if diskGB > 0 {
			p.defaultDisk = diskGB
		}
	}
}

// WithSSHCredentials sets the identity probes use and the public key
// injected into rentals
func WithSSHCredentials(user, privateKey, publicKey string) Option {
	return func(p *Provisioner) {
		p.sshUser = user
		p.sshKey = privateKey
		p.sshPublicKey = publicKey
	}
}

// WithStaggerInterval spaces rental requests
func WithStaggerInterval(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithProber sets a custom SSH prober (useful for testing)
func WithProber(prober Prober) Option {
	return func(p *Provisioner) {
		p.prober = prober
	}
}

// WithVerifier gates wins on a GPU check over the probed SSH endpoint.
// A candidate that fails the check keeps probing; a host whose GPUs
// never appear loses the round and is blacklisted like any other
// unreachable host.
func WithVerifier(v Verifier) Option {
	return func(p *Provisioner) {
		p.verifier = v
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(p *Provisioner) {
		p.now = fn
	}
}

// New creates a race provisioner
func New(market Marketplace, lc Lifecycle, prober Prober, bl *blacklist.Blacklist, opts ...Option) *Provisioner {
	p := &Provisioner{
		market:    market,
		lifecycle: lc,
		prober:    prober,
		blacklist: bl,
		logger:    slog.Default().With("component", "race"),
		defaults: Policy{
			GPUsPerRound:    DefaultGPUsPerRound,
			TimeoutPerRound: DefaultTimeoutPerRound,
			MaxRounds:       DefaultMaxRounds,
			CheckInterval:   DefaultCheckInterval,
		},
		sshUser: "root",
		limiter: rate.NewLimiter(rate.Every(DefaultStaggerInterval), 1),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// candidate is one speculative rental. Mutable fields are written only by
// the candidate's own probe goroutine; the coordinator reads them after the
// goroutine has exited.
type candidate struct {
	offer          models.GPUOffer
	inst           *models.Instance
	provisionStart time.Time

	succeeded  bool // a probe completed successfully
	probedFail bool // at least one probe completed and failed
	probeFails int
	lastErr    string
	uptime     string
	wonAt      time.Time
	condemned  bool // destroyed early (actual_status=failed or vanished)
}

// ProvisionFast races speculative rentals until one answers SSH. Losers
// are destroyed as soon as the round settles; hosts that took a rental but
// never answered are blacklisted.
func (p *Provisioner) ProvisionFast(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, lifecycle.ErrReasonRequired
	}
	if !req.CallerSource.Valid() {
		return nil, &lifecycle.InvalidCallerError{Source: req.CallerSource}
	}

	pol := req.Policy.withDefaults(p.defaults)
	attemptID := uuid.New().String()[:8]
	label := models.RaceLabel(attemptID)

	journalID := req.JournalID
	ownJournal := journalID == ""
	if ownJournal {
		journalID = "race-" + attemptID
	}

	logger := p.logger.With(
		slog.String("attempt_id", attemptID),
		slog.String("caller_source", string(req.CallerSource)))
	logger.Info("race starting",
		slog.Int("gpus_per_round", pol.GPUsPerRound),
		slog.Int("max_rounds", pol.MaxRounds),
		slog.Duration("timeout_per_round", pol.TimeoutPerRound))

	start := p.now()
	gpusTried := 0

	for round := 1; round <= pol.MaxRounds; round++ {
		if ctx.Err() != nil {
			break
		}

		winner, tried := p.runRound(ctx, round, label, journalID, req, pol, logger)
		gpusTried += tried

		if winner != nil {
			if ownJournal && p.journal != nil {
				p.journal.Commit(journalID)
			}
			duration := p.now().Sub(start)
			metrics.RecordRaceOutcome(round, true)
			metrics.RecordProvisioningDuration(winner.inst.Provider, winner.wonAt.Sub(winner.provisionStart))

			logger.Info("race won",
				slog.String("instance_id", winner.inst.ID),
				slog.String("machine_id", winner.inst.MachineID),
				slog.Int("round", round),
				slog.Int("gpus_tried", gpusTried),
				slog.Duration("duration", duration))
			logging.Audit(ctx, "race_won",
				"attempt_id", attemptID,
				"instance_id", winner.inst.ID,
				"rounds", round,
				"gpus_tried", gpusTried)
			p.auditOutcome(journalID, winner.inst.ID, true,
				fmt.Sprintf("won in round %d after %d candidates", round, gpusTried))

			return &Result{
				Winner:    winner.inst,
				Rounds:    round,
				GPUsTried: gpusTried,
				Duration:  duration,
				Uptime:    winner.uptime,
			}, nil
		}
	}

	if ownJournal && p.journal != nil {
		// Safety net for losers whose inline destroy failed. Already-gone
		// instances roll back as no-ops.
		p.journal.Rollback(context.WithoutCancel(ctx), journalID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("race interrupted: %w", err)
	}

	metrics.RecordRaceOutcome(pol.MaxRounds, false)
	logger.Warn("race exhausted",
		slog.Int("rounds", pol.MaxRounds),
		slog.Int("gpus_tried", gpusTried))
	logging.Audit(ctx, "race_exhausted",
		"attempt_id", attemptID,
		"rounds", pol.MaxRounds,
		"gpus_tried", gpusTried)
	p.auditOutcome(journalID, "", false,
		fmt.Sprintf("exhausted after %d rounds, %d candidates", pol.MaxRounds, gpusTried))

	return nil, &ExhaustedError{Rounds: pol.MaxRounds, GPUsTried: gpusTried}
}

// ProvisionReplacement satisfies the lifecycle controller's wake hook
func (p *Provisioner) ProvisionReplacement(ctx context.Context, req lifecycle.ProvisionRequest) (*models.Instance, error) {
	res, err := p.ProvisionFast(ctx, Request{
		Requirements: Requirements{
			MinGPURAMMb: req.MinGPURAMMb,
			MaxPrice:    req.MaxPrice,
			DiskGB:      req.DiskGB,
			Image:       req.Image,
			OnStart:     req.OnStart,
		},
		Reason:       req.Reason,
		CallerSource: req.CallerSource,
		JournalID:    req.JournalID,
	})
	if err != nil {
		return nil, err
	}
	return res.Winner, nil
}

// runRound rents one candidate set and waits for a winner. Returns the
// winning candidate (nil if none) and how many rentals succeeded.
func (p *Provisioner) runRound(ctx context.Context, round int, label, journalID string, req Request, pol Policy, logger *slog.Logger) (*candidate, int) {
	logger = logger.With(slog.Int("round", round))

	offers, err := p.searchOffers(ctx, req.Requirements)
	if err != nil {
		logger.Warn("offer search failed", slog.String("error", err.Error()))
		return nil, 0
	}
	if len(offers) == 0 {
		logger.Warn("no offers after blacklist filtering")
		return nil, 0
	}

	cands := p.rentCandidates(ctx, offers, label, journalID, req, pol, logger)
	if len(cands) == 0 {
		logger.Warn("no rentals succeeded this round", slog.Int("offers_seen", len(offers)))
		return nil, 0
	}
	logger.Info("candidate set rented", slog.Int("candidates", len(cands)))

	roundCtx, cancel := context.WithTimeout(ctx, pol.TimeoutPerRound)
	winnerCh := make(chan *candidate, len(cands))

	var wg sync.WaitGroup
	for _, c := range cands {
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			p.probeCandidate(roundCtx, c, pol.CheckInterval, winnerCh, req)
		}(c)
	}

	var winner *candidate
	select {
	case w := <-winnerCh:
		winner = w
		// Another candidate may have come up in the same probe cycle;
		// earliest provision start wins the tie.
		winner = drainForEarliest(winnerCh, winner)
	case <-roundCtx.Done():
	}
	cancel()
	wg.Wait()

	if winner == nil {
		// A probe may have succeeded in the instant the deadline fired
		winner = drainForEarliest(winnerCh, nil)
	}

	p.settleRound(ctx, cands, winner, round, req, logger)
	return winner, len(cands)
}

func drainForEarliest(ch <-chan *candidate, best *candidate) *candidate {
	for {
		select {
		case c := <-ch:
			if best == nil || c.provisionStart.Before(best.provisionStart) {
				best = c
			}
		default:
			return best
		}
	}
}

func (p *Provisioner) searchOffers(ctx context.Context, req Requirements) ([]models.GPUOffer, error) {
	offers, err := p.market.SearchOffers(ctx, models.OfferFilter{
		MinGPURAMMb: req.MinGPURAMMb,
		MaxPrice:    req.MaxPrice,
		MinDiskGB:   req.DiskGB,
		GPUName:     req.GPUName,
	})
	if err != nil {
		return nil, fmt.Errorf("searching offers: %w", err)
	}

	if p.blacklist != nil {
		offers = p.blacklist.FilterOffers(offers)
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].PricePerHour < offers[j].PricePerHour
	})
	return offers, nil
}

// rentCandidates staggers rental requests, cheapest first, until the set is
// full or the request budget runs out. Lost offers are a normal outcome.
func (p *Provisioner) rentCandidates(ctx context.Context, offers []models.GPUOffer, label, journalID string, req Request, pol Policy, logger *slog.Logger) []*candidate {
	budget := pol.GPUsPerRound * rentBudgetMultiplier
	if len(offers) > budget {
		offers = offers[:budget]
	}

	cands := make([]*candidate, 0, pol.GPUsPerRound)
	for i := range offers {
		if len(cands) >= pol.GPUsPerRound {
			break
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}

		offer := offers[i]
		provisionStart := p.now()
		inst, err := p.rentOne(ctx, offer, label, req)
		if err != nil {
			if provider.IsOfferUnavailableError(err) {
				logger.Debug("offer gone before rental", slog.String("offer_id", offer.ID))
			} else {
				logger.Warn("rental failed",
					slog.String("offer_id", offer.ID),
					slog.String("machine_id", offer.MachineID),
					slog.String("error", err.Error()))
			}
			continue
		}

		if p.journal != nil {
			p.journal.Record(journalID, resilience.Resource{
				Kind: resilience.ResourceInstance,
				ID:   inst.ID,
				Note: "race candidate " + label,
			})
		}
		metrics.RecordRaceCandidate(inst.Provider)

		cands = append(cands, &candidate{
			offer:          offer,
			inst:           inst,
			provisionStart: provisionStart,
		})
	}
	return cands
}

func (p *Provisioner) rentOne(ctx context.Context, offer models.GPUOffer, label string, req Request) (*models.Instance, error) {
	image := req.Requirements.Image
	if image == "" {
		image = p.defaultImage
	}
	disk := req.Requirements.DiskGB
	if disk <= 0 {
		disk = p.defaultDisk
	}

	rental := provider.CreateInstanceRequest{
		OfferID:      offer.ID,
		Image:        image,
		DiskGB:       disk,
		OnStart:      req.Requirements.OnStart,
		Label:        label,
		SSHPublicKey: p.sshPublicKey,
	}

	var bid float64
	if offer.MachineType == models.MachineBid {
		bid = offer.PricePerHour
		if offer.MinBid > bid {
			bid = offer.MinBid
		}
	}

	var inst *models.Instance
	err := retry.Do(
		func() error {
			var cerr error
			inst, cerr = p.lifecycle.Create(ctx, lifecycle.CreateRequest{
				Rental:   rental,
				BidPrice: bid,
				ActionRequest: lifecycle.ActionRequest{
					Reason:       req.Reason,
					CallerSource: req.CallerSource,
					Metadata:     map[string]string{"race_label": label},
				},
			})
			return cerr
		},
		retry.Context(ctx),
		retry.Attempts(rentRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(provider.IsRateLimitError),
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// probeCandidate cycles until the candidate answers, reports failed, or the
// round deadline fires. Only this goroutine writes the candidate's fields.
func (p *Provisioner) probeCandidate(ctx context.Context, c *candidate, interval time.Duration, winnerCh chan<- *candidate, req Request) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		inst, err := p.market.GetInstance(ctx, c.inst.ID)
		switch {
		case err == nil:
			c.inst = inst

			if inst.ActualStatus == models.ActualFailed {
				c.lastErr = "marketplace reported actual_status=failed"
				p.condemn(ctx, c, req)
				return
			}

			if inst.HasSSH() {
				uptime, perr := p.prober.ProbeOnce(ctx, inst.SSHHost, inst.SSHPort, p.sshUser, p.sshKey)
				if perr == nil && p.verifier != nil {
					// The driver may lag the SSH daemon by a cycle or
					// two after boot; a failed check just retries
					if verr := p.verifier.VerifyGPUs(ctx, inst.SSHHost, inst.SSHPort, p.sshUser, p.sshKey, c.offer.NumGPUs); verr != nil {
						perr = fmt.Errorf("gpu check: %w", verr)
					}
				}
				if perr == nil {
					c.succeeded = true
					c.uptime = uptime
					c.wonAt = p.now()
					winnerCh <- c // buffered to len(cands), never blocks
					return
				}
				if ctx.Err() != nil {
					// Round settled while this probe was in flight; an
					// aborted probe says nothing about the host
					return
				}
				c.probedFail = true
				c.probeFails++
				c.lastErr = perr.Error()
			}

		case provider.IsNotFoundError(err):
			// Marketplace reclaimed the rental under us; nothing to destroy
			c.lastErr = "instance disappeared from marketplace"
			c.condemned = true
			return

		default:
			c.lastErr = err.Error()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// condemn destroys and blacklists a candidate whose host reported failure
// before any probe could run
func (p *Provisioner) condemn(ctx context.Context, c *candidate, req Request) {
	c.condemned = true
	p.blacklistHost(c, "actual_status=failed before first probe")

	if err := p.lifecycle.Destroy(context.WithoutCancel(ctx), c.inst.ID, lifecycle.ActionRequest{
		Reason:       "race candidate reported failed",
		CallerSource: req.CallerSource,
	}); err != nil {
		p.logger.Warn("failed to destroy condemned candidate",
			slog.String("instance_id", c.inst.ID),
			slog.String("error", err.Error()))
	}
}

// settleRound destroys losers and blacklists hosts that held a rental but
// never answered. With a winner, only hosts with a completed failed probe
// are blacklisted; candidates still mid-probe just lost the race.
func (p *Provisioner) settleRound(ctx context.Context, cands []*candidate, winner *candidate, round int, req Request, logger *slog.Logger) {
	// Destroys run against the parent context even if the caller is
	// already tearing down; leaking paid rentals is worse than a late stop.
	dctx := context.WithoutCancel(ctx)

	for _, c := range cands {
		if c == winner {
			continue
		}

		if winner != nil {
			if c.probedFail && !c.succeeded {
				sig := c.lastErr
				if sig == "" {
					sig = "ssh probe failed"
				}
				p.blacklistHost(c, sig+"; another candidate won")
			}
		} else if !c.succeeded && !c.condemned {
			sig := c.lastErr
			if sig == "" {
				sig = "ssh never became available"
			}
			p.blacklistHost(c, sig)
		}

		if c.condemned {
			continue
		}

		reason := fmt.Sprintf("race round %d exhausted", round)
		if winner != nil {
			reason = fmt.Sprintf("race lost to %s", winner.inst.ID)
		}
		if err := p.lifecycle.Destroy(dctx, c.inst.ID, lifecycle.ActionRequest{
			Reason:       reason,
			CallerSource: req.CallerSource,
		}); err != nil {
			logger.Warn("failed to destroy race loser",
				slog.String("instance_id", c.inst.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Provisioner) blacklistHost(c *candidate, signature string) {
	if p.blacklist == nil || c.inst.MachineID == "" {
		return
	}

	elapsed := p.now().Sub(c.provisionStart).Round(time.Second)
	reason := fmt.Sprintf("%s (%d failed probes over %s)", signature, c.probeFails, elapsed)
	p.blacklist.Add(c.inst.MachineID, reason)
	metrics.RecordBlacklistAddition(p.blacklist.Size())

	if p.audit != nil {
		if err := p.audit.Append(resilience.AuditRecord{
			Category:   resilience.AuditBlacklist,
			Action:     "blacklist_add",
			InstanceID: c.inst.ID,
			MachineID:  c.inst.MachineID,
			Success:    true,
			Detail:     reason,
		}); err != nil {
			p.logger.Error("failed to audit blacklist addition", slog.String("error", err.Error()))
		}
	}
}

func (p *Provisioner) auditOutcome(journalID, instanceID string, won bool, detail string) {
	if p.audit == nil {
		return
	}
	action := "race_exhausted"
	if won {
		action = "race_won"
	}
	if err := p.audit.Append(resilience.AuditRecord{
		Category:   resilience.AuditRace,
		Action:     action,
		InstanceID: instanceID,
		FailoverID: journalID,
		Success:    won,
		Detail:     detail,
	}); err != nil {
		p.logger.Error("failed to audit race outcome", slog.String("error", err.Error()))
	}
}
