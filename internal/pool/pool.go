package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"codex-relay/internal/account"
)

// ErrPoolExhausted is returned by Pick when no account can serve a request.
var ErrPoolExhausted = errors.New("no healthy account available")

// ErrUnknownAccount is returned for operations on ids not in the pool.
var ErrUnknownAccount = errors.New("account not in pool")

// State is the scheduling health of a pooled account.
type State int

const (
	StateActive State = iota
	StateRefreshing
	StateCooldown
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRefreshing:
		return "refreshing"
	case StateCooldown:
		return "cooldown"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

const (
	cooldownBase  = 60 * time.Second
	cooldownMax   = 10 * time.Minute
	cooldownAfter = 3  // consecutive 5xx/transport failures before cooldown
	blockAfter    = 10 // consecutive 5xx/transport failures before blocking
)

// Refresher exchanges an account's refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, acct *account.Account) (*account.Account, error)
}

// Outcome describes what the dispatcher observed for one lease.
type Outcome struct {
	// Status is the upstream HTTP status, 0 when no response arrived.
	Status int
	// TransportErr marks connection-level failures and timeouts.
	TransportErr bool
	// BanSignal marks a 403 whose body carries an explicit ban indicator.
	BanSignal bool
}

type refreshSlot struct {
	done    chan struct{}
	started time.Time
	acct    *account.Account
	err     error
}

type entry struct {
	acct           *account.Account
	state          State
	cooldownUntil  time.Time
	consecFailures int
	consec429      int
	inFlight       int
	refresh        *refreshSlot
}

// Lease binds one account to one in-flight request. It is consumed by a
// single Report call.
type Lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once

	id          string
	accessToken string
	upstreamID  string
}

// ID returns the pool account id the lease was issued for.
func (l *Lease) ID() string { return l.id }

// AccessToken returns the bearer token to forward upstream.
func (l *Lease) AccessToken() string { return l.accessToken }

// UpstreamAccountID returns the chatgpt account id for identity headers,
// empty when the token carries none.
func (l *Lease) UpstreamAccountID() string { return l.upstreamID }

// Pool schedules requests across managed accounts with round-robin
// selection and per-account health state.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry
	cursor  int

	store          *account.FileStore
	refresher      Refresher
	refreshAdvance time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
}

func New(store *account.FileStore, refresher Refresher, refreshAdvance, refreshTimeout time.Duration) *Pool {
	if refreshAdvance <= 0 {
		refreshAdvance = 60 * time.Second
	}
	if refreshTimeout <= 0 {
		refreshTimeout = 30 * time.Second
	}
	return &Pool{
		index:          map[string]*entry{},
		store:          store,
		refresher:      refresher,
		refreshAdvance: refreshAdvance,
		refreshTimeout: refreshTimeout,
		now:            time.Now,
	}
}

// Pick leases the next healthy account in round-robin order. Accounts in
// cooldown whose deadline has passed are promoted before selection. When
// only refreshing accounts remain, Pick waits for the oldest refresh to
// settle instead of failing.
func (p *Pool) Pick(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.promoteExpiredLocked()

		n := len(p.entries)
		if n == 0 {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		var chosen *entry
		for i := range n {
			e := p.entries[(p.cursor+i)%n]
			if e.state == StateActive {
				chosen = e
				p.cursor = (p.cursor + i + 1) % n
				break
			}
		}

		if chosen == nil {
			slot := p.oldestRefreshLocked()
			p.mu.Unlock()
			if slot == nil {
				return nil, ErrPoolExhausted
			}
			select {
			case <-slot.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if p.staleLocked(chosen) {
			p.mu.Unlock()
			if _, err := p.refreshEntry(ctx, chosen); err != nil {
				// The entry was moved to cooldown or blocked; walk again.
				continue
			}
			p.mu.Lock()
			if chosen.state != StateActive {
				p.mu.Unlock()
				continue
			}
		}

		lease := p.leaseLocked(chosen)
		p.mu.Unlock()
		return lease, nil
	}
}

func (p *Pool) leaseLocked(e *entry) *Lease {
	e.inFlight++
	c := account.DeriveClaims(e.acct.IDToken, e.acct.AccessToken)
	return &Lease{
		pool:        p,
		entry:       e,
		id:          e.acct.ID,
		accessToken: e.acct.AccessToken,
		upstreamID:  c.ChatGPTAccountID,
	}
}

func (p *Pool) promoteExpiredLocked() {
	now := p.now()
	for _, e := range p.entries {
		if e.state == StateCooldown && !now.Before(e.cooldownUntil) {
			e.state = StateActive
		}
	}
}

func (p *Pool) oldestRefreshLocked() *refreshSlot {
	var slot *refreshSlot
	for _, e := range p.entries {
		if e.state == StateRefreshing && e.refresh != nil {
			if slot == nil || e.refresh.started.Before(slot.started) {
				slot = e.refresh
			}
		}
	}
	return slot
}

func (p *Pool) staleLocked(e *entry) bool {
	if e.acct.RefreshToken == "" {
		return false
	}
	if e.acct.ExpiresAt == 0 {
		return false
	}
	return e.acct.ExpiresAt <= p.now().Add(p.refreshAdvance).UnixMilli()
}

// Report consumes the lease. Extra calls on the same lease are ignored, so
// in_flight is decremented exactly once.
func (p *Pool) Report(l *Lease, o Outcome) {
	l.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		e := l.entry
		e.inFlight--

		switch {
		case o.TransportErr || o.Status >= 500:
			e.consec429 = 0
			e.consecFailures++
			if e.consecFailures >= blockAfter {
				e.state = StateBlocked
				slog.Warn("account blocked after sustained failures", "id", l.id, "failures", e.consecFailures)
			} else if e.consecFailures >= cooldownAfter && e.refresh == nil {
				e.state = StateCooldown
				e.cooldownUntil = p.now().Add(cooldownBase)
			}

		case o.Status == 429:
			e.consec429++
			d := cooldownBase << (e.consec429 - 1)
			if d > cooldownMax || d <= 0 {
				d = cooldownMax
			}
			if e.refresh == nil {
				e.state = StateCooldown
				e.cooldownUntil = p.now().Add(d)
			}
			slog.Info("account rate limited", "id", l.id, "cooldown", d.String())

		case o.BanSignal:
			e.state = StateBlocked
			slog.Warn("account blocked by upstream ban signal", "id", l.id)

		case o.Status == 401:
			// The dispatcher drives the refresh path for 401; the entry's
			// state is settled there.

		case o.Status >= 200 && o.Status < 400:
			e.consecFailures = 0
			e.consec429 = 0
			if e.refresh == nil && e.state != StateBlocked {
				e.state = StateActive
			}

		default:
			// Other 4xx are the caller's problem, not the account's.
		}
	})
}

// RefreshAccount runs (or joins) the single-flight refresh for the lease's
// account and returns the fresh access token.
func (p *Pool) RefreshAccount(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	e := p.index[id]
	p.mu.Unlock()
	if e == nil {
		return "", ErrUnknownAccount
	}
	acct, err := p.refreshEntry(ctx, e)
	if err != nil {
		return "", err
	}
	return acct.AccessToken, nil
}

// AccessToken returns a valid token for the account, refreshing first when
// the stored one is stale.
func (p *Pool) AccessToken(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	e := p.index[id]
	if e == nil {
		p.mu.Unlock()
		return "", ErrUnknownAccount
	}
	if !p.staleLocked(e) {
		token := e.acct.AccessToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	acct, err := p.refreshEntry(ctx, e)
	if err != nil {
		return "", err
	}
	return acct.AccessToken, nil
}

// refreshEntry is the per-account single-flight: the first caller starts
// the exchange, everyone else waits on the same completion handle.
func (p *Pool) refreshEntry(ctx context.Context, e *entry) (*account.Account, error) {
	p.mu.Lock()
	slot := e.refresh
	owner := false
	if slot == nil {
		slot = &refreshSlot{done: make(chan struct{}), started: p.now()}
		e.refresh = slot
		e.state = StateRefreshing
		owner = true
	}
	acctCopy := *e.acct
	p.mu.Unlock()

	if owner {
		// Detached context: the refresh outcome matters to every waiter,
		// not just the caller that happened to start it.
		go p.runRefresh(e, slot, &acctCopy)
	}

	select {
	case <-slot.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if slot.err != nil {
		return nil, slot.err
	}
	return slot.acct, nil
}

func (p *Pool) runRefresh(e *entry, slot *refreshSlot, acct *account.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), p.refreshTimeout)
	defer cancel()

	updated, err := p.refresher.Refresh(ctx, acct)

	p.mu.Lock()
	e.refresh = nil
	if err != nil {
		slot.err = err
		if errors.Is(err, account.ErrInvalidGrant) {
			e.state = StateBlocked
			slog.Warn("account blocked, refresh token rejected", "id", acct.ID)
		} else if e.state != StateBlocked {
			// Transient failure: brief cooldown keeps the walk moving.
			e.consecFailures++
			e.state = StateCooldown
			e.cooldownUntil = p.now().Add(cooldownBase)
			slog.Warn("token refresh failed", "id", acct.ID, "error", err)
		}
	} else {
		slot.acct = updated
		e.acct = updated
		if e.state != StateBlocked {
			e.state = StateActive
			e.consecFailures = 0
		}
		slog.Info("token refreshed", "id", acct.ID)
	}
	p.mu.Unlock()
	close(slot.done)
}

// Reload re-reads the account store and reconciles the pool: new ids join
// as active, removed ids drop out, surviving ids keep their health state
// but take the new token material. A blocked account whose refresh token
// changed on disk (a fresh login) becomes active again. In-flight leases
// keep their entry and stay valid.
func (p *Pool) Reload() error {
	accounts, err := p.store.List()
	if err != nil {
		return fmt.Errorf("reload accounts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*entry, 0, len(accounts))
	index := make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		if a.AccessToken == "" {
			continue
		}
		if old := p.index[a.ID]; old != nil {
			if old.state == StateBlocked && old.acct.RefreshToken != a.RefreshToken {
				old.state = StateActive
				old.consecFailures = 0
				old.consec429 = 0
			}
			// Keep the in-memory material while a refresh is settling; the
			// refresh result is newer than what List just read.
			if old.refresh == nil {
				old.acct = a
			}
			entries = append(entries, old)
			index[a.ID] = old
		} else {
			e := &entry{acct: a, state: StateActive}
			entries = append(entries, e)
			index[a.ID] = e
		}
	}

	p.entries = entries
	p.index = index
	if len(entries) > 0 {
		p.cursor %= len(entries)
	} else {
		p.cursor = 0
	}
	slog.Info("pool reloaded", "accounts", len(entries))
	return nil
}

// ResetAccount clears a blocked or cooling account back to active.
func (p *Pool) ResetAccount(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.index[id]
	if e == nil {
		return ErrUnknownAccount
	}
	if e.refresh == nil {
		e.state = StateActive
	}
	e.consecFailures = 0
	e.consec429 = 0
	e.cooldownUntil = time.Time{}
	return nil
}

// Status counts accounts by state.
type Status struct {
	Total      int `json:"account_count"`
	Active     int `json:"active"`
	Refreshing int `json:"refreshing"`
	Cooldown   int `json:"cooldown"`
	Blocked    int `json:"blocked"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoteExpiredLocked()

	var st Status
	st.Total = len(p.entries)
	for _, e := range p.entries {
		switch e.state {
		case StateActive:
			st.Active++
		case StateRefreshing:
			st.Refreshing++
		case StateCooldown:
			st.Cooldown++
		case StateBlocked:
			st.Blocked++
		}
	}
	return st
}

// AccountState is one row of the admin snapshot.
type AccountState struct {
	ID             string `json:"id"`
	Email          string `json:"email,omitempty"`
	Plan           string `json:"plan,omitempty"`
	State          string `json:"state"`
	CooldownUntil  string `json:"cooldown_until,omitempty"`
	InFlight       int    `json:"in_flight"`
	ConsecFailures int    `json:"consecutive_failures"`
}

// Snapshot lists every pooled account with its scheduling state.
func (p *Pool) Snapshot() []AccountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoteExpiredLocked()

	out := make([]AccountState, 0, len(p.entries))
	for _, e := range p.entries {
		s := AccountState{
			ID:             e.acct.ID,
			Email:          e.acct.Email,
			Plan:           e.acct.Plan,
			State:          e.state.String(),
			InFlight:       e.inFlight,
			ConsecFailures: e.consecFailures,
		}
		if e.state == StateCooldown {
			s.CooldownUntil = e.cooldownUntil.UTC().Format(time.RFC3339)
		}
		out = append(out, s)
	}
	return out
}
