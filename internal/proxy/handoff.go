package proxy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/core"
	"github.com/dcrodman/seatkeeper/internal/core/metrics"
)

// Coordinator logs the handoff account in to the backend after the permitted
// player leaves and keeps that session alive in the background. Failures are
// logged and never retried; the slot is lost in that case.
type Coordinator struct {
	Config     *core.Config
	Logger     *logrus.Logger
	Identities Identities
	Joiner     Joiner

	// held is notified with the error that ended each held session. Only
	// tests set it.
	held chan<- error
}

// HandOff joins the backend as the handoff account and, on success, starts a
// keep-alive responder on the new session. The responder is detached from ctx
// and lives until the backend drops it.
func (co *Coordinator) HandOff(ctx context.Context) {
	ref := co.Config.HandoffAccount()
	entry := co.Logger.WithFields(logrus.Fields{"component": "handoff", "account": ref})

	cred, err := co.Identities.Authenticate(ctx, ref)
	if err != nil {
		metrics.Handoffs.WithLabelValues("credential_failed").Inc()
		entry.Errorf("unable to resolve credential, giving up the slot: %v", err)
		return
	}

	conn, profile, err := co.Joiner.Complete(ctx, co.Config.BackendAddress, cred)
	if err != nil {
		metrics.Handoffs.WithLabelValues("join_failed").Inc()
		entry.Errorf("unable to rejoin backend, giving up the slot: %v", err)
		return
	}
	metrics.Handoffs.WithLabelValues("held").Inc()
	entry.Infof("holding slot as %s (%s)", profile.Name, profile.UUID)

	go func(ctx context.Context) {
		metrics.HeldSessions.Inc()
		defer metrics.HeldSessions.Dec()

		err := RespondToKeepAlives(ctx, conn, co.Config.IdleTimeout)
		entry.Warnf("held session ended: %v", err)
		if co.held != nil {
			co.held <- err
		}
	}(context.WithoutCancel(ctx))
}
