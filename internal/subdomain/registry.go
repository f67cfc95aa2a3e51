// Package subdomain implements the subdomain registry (C7): random and
// custom allocation, reserved-word enforcement, host resolution, and
// atomic JSON persistence.
package subdomain

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/expose/internal/domain"
)

const (
	maxAllocationAttempts = 50
	minSubdomainLen       = 3
	maxSubdomainLen       = 30
)

// Registry is the in-memory and persisted mapping of subdomains to tunnel
// ids. A reader-writer lock guards the map; a dedicated goroutine
// serializes writes to disk so readers never wait on I/O (§5).
type Registry struct {
	log        *slog.Logger
	baseDomain string
	path       string

	mu       sync.RWMutex
	active   map[string]domain.SubdomainRecord // key: subdomain label, or "custom:"+host
	byTunnel map[string]string                 // tunnel id -> active key
	reserved map[string]struct{}
	history  []domain.SubdomainRecord

	rngMu sync.Mutex
	rng   *rand.Rand

	saveCh chan struct{}
	done   chan struct{}
}

// New constructs a Registry. baseDomain is the configured base domain used
// by Resolve to distinguish subdomains from custom domains. extraReserved
// is appended to the built-in reserved-word set. If path names an existing
// file it is loaded; a missing or malformed file is treated as empty, with
// a warning logged.
func New(log *slog.Logger, path, baseDomain string, extraReserved []string) *Registry {
	r := &Registry{
		log:        log,
		baseDomain: strings.ToLower(strings.TrimSuffix(baseDomain, ".")),
		path:       path,
		active:     make(map[string]domain.SubdomainRecord),
		byTunnel:   make(map[string]string),
		reserved:   make(map[string]struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		saveCh:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, w := range reservedWords {
		r.reserved[w] = struct{}{}
	}
	for _, w := range extraReserved {
		r.reserved[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}

	if err := r.load(); err != nil {
		log.Warn("subdomain registry: starting empty", "path", path, "error", err)
	}

	go r.persistLoop()
	return r
}

// Close stops the background persistence goroutine. Any pending save is
// flushed first.
func (r *Registry) Close() {
	close(r.saveCh)
	<-r.done
}

func (r *Registry) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Registry) persistLoop() {
	defer close(r.done)
	for range r.saveCh {
		if err := r.save(); err != nil {
			r.log.Warn("subdomain registry: persistence failure, in-memory state remains authoritative", "error", err)
		}
	}
	_ = r.save()
}

// Allocate binds tunnelID to a subdomain. If preferred is non-empty it is
// validated and used (subject to reservation/conflict); otherwise a random
// pronounceable label is generated.
func (r *Registry) Allocate(tunnelID, preferred, clientIP string) (string, error) {
	if preferred != "" {
		return r.allocateCustom(tunnelID, preferred, clientIP)
	}
	return r.allocateRandom(tunnelID, clientIP)
}

func (r *Registry) allocateCustom(tunnelID, subdomain, clientIP string) (string, error) {
	key := subdomain
	if strings.Contains(subdomain, ".") {
		// A dotted name is a custom domain, keyed "custom:"+host for Resolve.
		for _, label := range strings.Split(subdomain, ".") {
			if label == "" || strings.Trim(label, "abcdefghijklmnopqrstuvwxyz0123456789-") != "" ||
				strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
				return "", domain.ErrValidation
			}
		}
		key = "custom:" + subdomain
	} else if !isValidSubdomain(subdomain) {
		return "", domain.ErrValidation
	}

	r.mu.Lock()
	if _, reserved := r.reserved[subdomain]; reserved {
		r.mu.Unlock()
		return "", domain.ErrReserved
	}
	if _, taken := r.active[key]; taken {
		r.mu.Unlock()
		return "", domain.ErrConflict
	}
	rec := domain.SubdomainRecord{
		Subdomain:   subdomain,
		TunnelID:    tunnelID,
		AllocatedAt: time.Now(),
		IsCustom:    true,
		ClientIP:    clientIP,
	}
	r.active[key] = rec
	r.byTunnel[tunnelID] = key
	r.history = append(r.history, rec)
	r.mu.Unlock()

	r.requestSave()
	return subdomain, nil
}

func (r *Registry) allocateRandom(tunnelID, clientIP string) (string, error) {
	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		candidate := r.generatePronounceable()

		r.mu.Lock()
		_, taken := r.active[candidate]
		_, isReserved := r.reserved[candidate]
		if !taken && !isReserved {
			rec := domain.SubdomainRecord{
				Subdomain:   candidate,
				TunnelID:    tunnelID,
				AllocatedAt: time.Now(),
				IsCustom:    false,
				ClientIP:    clientIP,
			}
			r.active[candidate] = rec
			r.byTunnel[tunnelID] = candidate
			r.history = append(r.history, rec)
			r.mu.Unlock()
			r.requestSave()
			return candidate, nil
		}
		r.mu.Unlock()
	}

	// Exhausted uniqueness attempts: fall back to a UUID-v4 truncated to
	// 12 chars.
	fallback := r.generateUUIDSubdomain()
	r.mu.Lock()
	rec := domain.SubdomainRecord{
		Subdomain:   fallback,
		TunnelID:    tunnelID,
		AllocatedAt: time.Now(),
		IsCustom:    false,
		ClientIP:    clientIP,
	}
	r.active[fallback] = rec
	r.byTunnel[tunnelID] = fallback
	r.history = append(r.history, rec)
	r.mu.Unlock()
	r.requestSave()
	return fallback, nil
}

func (r *Registry) generatePronounceable() string {
	r.rngMu.Lock()
	word := wordList[r.rng.Intn(len(wordList))]
	suffix := 10 + r.rng.Intn(990) // 2-3 digit suffix, matches gen_range(10..1000)
	r.rngMu.Unlock()
	return fmt.Sprintf("%s%d", word, suffix)
}

func (r *Registry) generateUUIDSubdomain() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// Release removes any subdomain bound to tunnelID. It is idempotent: a
// second call with the same id is a no-op (P6).
func (r *Registry) Release(tunnelID string) {
	r.mu.Lock()
	key, ok := r.byTunnel[tunnelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byTunnel, tunnelID)
	delete(r.active, key)
	r.mu.Unlock()

	r.requestSave()
}

// Resolve splits the leftmost DNS label from host. If the remainder equals
// the configured base domain, it looks up that label as a subdomain;
// otherwise it treats the full host as a custom domain.
func (r *Registry) Resolve(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))

	label, remainder, hasLabel := strings.Cut(host, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hasLabel && remainder == r.baseDomain {
		if rec, ok := r.active[label]; ok {
			return rec.TunnelID, true
		}
		return "", false
	}

	if rec, ok := r.active["custom:"+host]; ok {
		return rec.TunnelID, true
	}
	return "", false
}

func isValidSubdomain(s string) bool {
	if len(s) < minSubdomainLen || len(s) > maxSubdomainLen {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
			return false
		}
	}
	return true
}
