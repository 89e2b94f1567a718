package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"marketindex/internal/chain"
	"marketindex/internal/store"
)

const lagTableSize = 5

// healthReport is the /healthz body. Status is "ok", "warn" (over the RPC
// budget, an undeployed contract, a failed recon cycle) or "alert" (the
// store or the chain head cannot be read at all).
type healthReport struct {
	Status    string                 `json:"status"`
	Recon     reconHealth            `json:"recon"`
	RPC       rpcHealth              `json:"rpc"`
	Contracts []chain.ContractStatus `json:"contracts,omitempty"`
}

type reconHealth struct {
	Mode          string                `json:"mode"`
	QPS1m         int                   `json:"qps1m"`
	BackoffMs     int64                 `json:"backoffMs"`
	Last429At     *int64                `json:"last429At"`
	Jobs          jobsHealth            `json:"jobs"`
	Head          headHealth            `json:"head"`
	LastCycleAt   int64                 `json:"lastCycleAt,omitempty"`
	LastCycleErr  string                `json:"lastCycleError,omitempty"`
	MarketsLagTop []store.LaggingMarket `json:"marketsLagTop"`
}

type jobsHealth struct {
	TxPending    int   `json:"txPending"`
	SweepPending int   `json:"sweepPending"`
	Inflight     int64 `json:"inflight"`
}

type headHealth struct {
	Block uint64 `json:"block"`
}

type rpcHealth struct {
	Endpoints []chain.EndpointStatus `json:"endpoints,omitempty"`
}

// healthCache avoids hammering the probes when a platform pinger polls
// faster than the configured cache window.
type healthCache struct {
	mu     sync.Mutex
	at     time.Time
	status int
	report *healthReport
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ttl := time.Duration(s.cfg.HealthzCacheMs) * time.Millisecond

	s.health.mu.Lock()
	if ttl > 0 && s.health.report != nil && time.Since(s.health.at) < ttl {
		status, report := s.health.status, s.health.report
		s.health.mu.Unlock()
		writeJSON(w, status, report)
		return
	}
	s.health.mu.Unlock()

	report := s.buildHealth(r.Context())
	status := http.StatusOK
	if report.Status == "alert" {
		status = http.StatusServiceUnavailable
	}

	if ttl > 0 {
		s.health.mu.Lock()
		s.health.at = time.Now()
		s.health.status = status
		s.health.report = report
		s.health.mu.Unlock()
	}
	writeJSON(w, status, report)
}

func (s *Server) buildHealth(ctx context.Context) *healthReport {
	report := &healthReport{Status: "ok", Recon: reconHealth{Mode: s.deps.Mode}}
	warn := func(why string, err error) {
		if report.Status == "ok" {
			report.Status = "warn"
		}
		s.logger.Warn("health degraded", "reason", why, "error", err)
	}
	alert := func(why string, err error) {
		report.Status = "alert"
		s.logger.Error("health alert", "reason", why, "error", err)
	}

	var head uint64
	if s.deps.Head != nil {
		h, err := s.deps.Head.Latest(ctx)
		if err != nil {
			alert("chain head unreadable", err)
		} else {
			head = h
		}
	}
	report.Recon.Head.Block = head

	if txPending, err := s.deps.Queue.PendingTx(ctx); err != nil {
		alert("tx queue unreadable", err)
	} else {
		report.Recon.Jobs.TxPending = txPending
	}
	if sweepPending, err := s.deps.Queue.PendingSweep(ctx); err != nil {
		alert("sweep queue unreadable", err)
	} else {
		report.Recon.Jobs.SweepPending = sweepPending
	}
	if s.deps.Indexer != nil {
		st := s.deps.Indexer.Stats()
		report.Recon.Jobs.Inflight = st.TxInflight + st.SweepInflight
	}

	lagging, err := s.deps.Store.TopLagging(ctx, head, lagTableSize)
	if err != nil {
		alert("lag table unreadable", err)
	}
	report.Recon.MarketsLagTop = lagging

	if s.deps.Recon != nil {
		lastCycle, lastErr := s.deps.Recon.Status()
		if !lastCycle.IsZero() {
			report.Recon.LastCycleAt = lastCycle.Unix()
		}
		if lastErr != nil {
			report.Recon.LastCycleErr = lastErr.Error()
			warn("reconciliation cycle failing", lastErr)
		}
	}

	if s.deps.RPC != nil {
		tel := s.deps.RPC.Stats()
		report.Recon.QPS1m = tel.QPS1m
		report.Recon.BackoffMs = tel.BackoffMs
		report.Recon.Last429At = tel.Last429At
		if s.deps.QPSBudget > 0 && tel.QPS1m > s.deps.QPSBudget {
			warn("rpc usage over budget", nil)
		}
	}

	if s.deps.Prober != nil {
		report.RPC.Endpoints = s.deps.Prober.Endpoints(ctx)
		for i, ep := range report.RPC.Endpoints {
			if i == 0 && !ep.Reachable {
				alert("primary rpc unreachable", nil)
			}
		}
		report.Contracts = s.deps.Prober.Contracts(ctx)
		for _, c := range report.Contracts {
			if !c.Deployed {
				warn("contract not deployed: "+c.Name, nil)
			}
		}
	}

	return report
}
