// Package admin implements C14: the operator-facing HTTP surface for
// inspecting settlement manifests, retrying escalated ones, summarizing
// finance totals, and running the spec.md §8 reconciliation checks.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/auth"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/money"
	"github.com/sealbid/engine/internal/store"
)

// Handlers wires the admin HTTP surface to the store and reconciler.
type Handlers struct {
	db         *gorm.DB
	verifier   *auth.Verifier
	auctions   *store.AuctionRepository
	manifests  *store.ManifestRepository
	deposits   *store.DepositRepository
	reconciler *Reconciler
	log        *zap.Logger
}

func New(db *gorm.DB, verifier *auth.Verifier, log *zap.Logger) *Handlers {
	return &Handlers{
		db:         db,
		verifier:   verifier,
		auctions:   store.NewAuctionRepository(db),
		manifests:  store.NewManifestRepository(db),
		deposits:   store.NewDepositRepository(db),
		reconciler: NewReconciler(db),
		log:        log,
	}
}

// Routes mounts the admin API under the given chi router, gated by
// RequireAdminRole — spec.md's admin control surface is authenticated and
// admin-role required, same as every other protected route in this engine.
func (h *Handlers) Routes(r chi.Router) {
	r.Use(h.RequireAdminRole)
	r.Get("/manifests", h.listManifests)
	r.Get("/manifests/{id}", h.getManifest)
	r.Post("/manifests/{id}/retry", h.retryManifest)
	r.Get("/finance/summary", h.financeSummary)
	r.Get("/auctions/{id}/reconcile", h.reconcileAuction)
}

// RequireAdminRole verifies the bearer token the same way gateway.ServeHTTP
// does for /ws, then additionally requires claims.Admin before letting the
// request through.
func (h *Handlers) RequireAdminRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
				token = strings.TrimPrefix(hdr, "Bearer ")
			}
		}
		claims, err := h.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !claims.Admin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) listManifests(w http.ResponseWriter, r *http.Request) {
	status := store.ManifestStatus(r.URL.Query().Get("status"))
	manifests, err := h.manifests.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list manifests")
		return
	}
	writeJSON(w, http.StatusOK, manifests)
}

func (h *Handlers) getManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m store.SettlementManifest
	if err := h.db.WithContext(r.Context()).First(&m, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// retryManifest resets an ESCALATED manifest's failed items (including
// ones already at MaxRetries) to pending and moves the auction back into
// SETTLING so the settlement worker picks the manifest up again.
func (h *Handlers) retryManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.db.Transaction(func(tx *gorm.DB) error {
		manifests := h.manifests.WithTx(tx)
		auctions := h.auctions.WithTx(tx)

		manifest, err := manifests.LockForUpdate(r.Context(), id)
		if err != nil {
			return err
		}
		if manifest.Status != store.ManifestEscalated {
			return errNotEscalated
		}

		var items []store.ManifestItem
		if err := json.Unmarshal(manifest.Items, &items); err != nil {
			return err
		}
		for i := range items {
			if items[i].Status == store.ItemFailed {
				items[i].Status = store.ItemPending
				items[i].RetryCount = 0
				items[i].FailureReason = ""
			}
		}
		encoded, err := json.Marshal(items)
		if err != nil {
			return err
		}
		manifest.Items = encoded
		manifest.Status = store.ManifestActive
		manifest.EscalationReason = ""
		if err := manifests.Save(r.Context(), manifest); err != nil {
			return err
		}

		if _, err := auctions.LockForUpdate(r.Context(), manifest.AuctionID); err != nil {
			return err
		}
		return auctions.TransitionStatus(r.Context(), manifest.AuctionID, store.AuctionSettling, nil)
	})

	if err == errNotEscalated {
		writeError(w, http.StatusConflict, "manifest is not in ESCALATED status")
		return
	}
	if err != nil {
		h.log.Error("admin: retry manifest failed", zap.String("manifest_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retry manifest")
		return
	}
	metrics.AdminRetries.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var errNotEscalated = &adminError{"manifest is not ESCALATED"}

type adminError struct{ msg string }

func (e *adminError) Error() string { return e.msg }

// FinanceSummary totals capture/refund amounts across every deposit, for
// the operator's top-level finance view.
type FinanceSummary struct {
	TotalCaptured   string    `json:"total_captured"`
	TotalRefunded   string    `json:"total_refunded"`
	SettledAuctions int64     `json:"settled_auctions"`
	FailedAuctions  int64     `json:"failed_settlement_auctions"`
	GeneratedAt     time.Time `json:"generated_at"`
}

func (h *Handlers) financeSummary(w http.ResponseWriter, r *http.Request) {
	var deposits []store.Deposit
	if err := h.db.WithContext(r.Context()).Find(&deposits).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load deposits")
		return
	}

	captured := money.Zero
	refunded := money.Zero
	for _, d := range deposits {
		switch d.Status {
		case store.DepositCaptured:
			captured = captured.Add(d.Amount)
		case store.DepositRefunded:
			refunded = refunded.Add(d.Amount)
		}
	}

	var settled, failed int64
	h.db.WithContext(r.Context()).Model(&store.Auction{}).Where("status = ?", store.AuctionSettled).Count(&settled)
	h.db.WithContext(r.Context()).Model(&store.Auction{}).Where("status = ?", store.AuctionSettlementFailed).Count(&failed)

	writeJSON(w, http.StatusOK, FinanceSummary{
		TotalCaptured:   captured.String(),
		TotalRefunded:   refunded.String(),
		SettledAuctions: settled,
		FailedAuctions:  failed,
		GeneratedAt:     time.Now(),
	})
}

func (h *Handlers) reconcileAuction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	status := http.StatusOK
	if !report.Passed() {
		status = http.StatusConflict
		metrics.ReconciliationFailures.Inc()
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
