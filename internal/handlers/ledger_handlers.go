package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/models"
	"lipa_engine/internal/services"
)

// LedgerHandler exposes the journal and reconciliation findings, read-only
// except for operator resolutions
type LedgerHandler struct {
	ledger services.LedgerStore
	recon  *services.ReconciliationService
}

func NewLedgerHandler(ledger services.LedgerStore, recon *services.ReconciliationService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, recon: recon}
}

// ListEntries handles GET /api/ledger/entries
func (h *LedgerHandler) ListEntries(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	entries, err := h.ledger.ListEntries(c.Request().Context(), tenantID(c), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// AccountBalance handles GET /api/ledger/accounts/:account/balance
func (h *LedgerHandler) AccountBalance(c echo.Context) error {
	account := c.Param("account")

	asOf := time.Now()
	if raw := c.QueryParam("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be RFC3339")
		}
		asOf = parsed
	}

	balance, err := h.ledger.BalanceOf(c.Request().Context(), account, asOf)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BalanceResponse{
		Account:  account,
		Balance:  balance,
		Currency: "KES",
		AsOf:     asOf.Format(time.RFC3339),
	})
}

// ListFindings handles GET /api/reconciliation
func (h *LedgerHandler) ListFindings(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	resolution := models.ResolutionStatus(c.QueryParam("resolution"))

	findings, err := h.recon.ListFindings(c.Request().Context(), resolution, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, findings)
}

// ResolveFinding handles POST /api/reconciliation/:id/resolve
func (h *LedgerHandler) ResolveFinding(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid finding id")
	}

	var req ResolveFindingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Resolution {
	case models.ResolutionStatusResolved, models.ResolutionStatusIgnored:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "resolution must be resolved or ignored")
	}

	if err := h.recon.Resolve(c.Request().Context(), uint(id), req.Resolution, req.Note); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
