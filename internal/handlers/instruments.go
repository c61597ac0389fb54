package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const listCachePrefix = "list_instruments_"

// tickerPattern admits exchange symbols such as AAPL, BRK.B, BTC-USD and ^GSPC.
var tickerPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.=^-]{0,19}$`)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type CreateInstrumentRequest struct {
	OwnerID      string  `json:"owner_id"`
	DisplayName  string  `json:"display_name"`
	TickerSymbol string  `json:"ticker_symbol"`
	IsCrypto     bool    `json:"is_crypto"`
	QuickEntry   float64 `json:"quick_entry"`
	SwingTrade   float64 `json:"swing_trade"`
	LoadTheBoat  float64 `json:"load_the_boat"`
	PeriodMonth  string  `json:"period_month"`
	PeriodYear   int     `json:"period_year"`
}

// InstrumentRepository is the part of database.Store the API uses.
type InstrumentRepository interface {
	CreateInstrument(ctx context.Context, inst *models.TrackedInstrument) error
	GetInstrumentByID(ctx context.Context, id string) (*models.TrackedInstrument, error)
	GetInstrumentsByOwner(ctx context.Context, ownerID string) ([]*models.TrackedInstrument, error)
	DeleteInstrument(ctx context.Context, id string) error
}

// ResponseCache is the part of cache.Client the API uses.
type ResponseCache interface {
	GetCache(ctx context.Context, key, endpoint, instance string) (string, error)
	SetCache(ctx context.Context, key, value string, ttl time.Duration) error
	InvalidateByPrefix(ctx context.Context, prefix, endpoint, instance string)
}

// InstrumentsAPI serves CRUD for tracked instruments.
type InstrumentsAPI struct {
	repo     InstrumentRepository
	cache    ResponseCache
	instance string
	cacheTTL time.Duration
}

func NewInstrumentsAPI(repo InstrumentRepository, cache ResponseCache, instance string) *InstrumentsAPI {
	return &InstrumentsAPI{repo: repo, cache: cache, instance: instance, cacheTTL: 30 * time.Second}
}

// Register mounts the instrument routes on mux.
func (a *InstrumentsAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /instruments", a.List)
	mux.HandleFunc("POST /instruments", a.Create)
	mux.HandleFunc("GET /instruments/{id}", a.Get)
	mux.HandleFunc("DELETE /instruments/{id}", a.Delete)
}

// List returns the instruments of the owner given by ?owner_id=.
func (a *InstrumentsAPI) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(r.Context(), "ListInstrumentsHandler")
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	cacheKey := generateCacheKey(r, listCachePrefix)
	cached, err := a.cache.GetCache(ctx, cacheKey, "/instruments", a.instance)
	if err != nil {
		logger.Log.Warn("Cache lookup failed", zap.String("trace_id", traceID), zap.Error(err))
	}
	if err == nil && cached != "" {
		logger.Log.Debug("Cache hit for /instruments",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cached))
		return
	}

	instruments, err := a.repo.GetInstrumentsByOwner(ctx, ownerID)
	if err != nil {
		logger.Log.Error("Failed to fetch instruments",
			zap.String("trace_id", traceID),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Failed to fetch instruments")
		return
	}
	if instruments == nil {
		instruments = []*models.TrackedInstrument{}
	}

	respBytes, err := json.Marshal(Response{Message: "Instruments retrieved successfully", Data: instruments})
	if err != nil {
		logger.Log.Error("Failed to encode JSON response", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to encode JSON response")
		return
	}

	if err := a.cache.SetCache(ctx, cacheKey, string(respBytes), a.cacheTTL); err != nil {
		logger.Log.Warn("Failed to store response in cache",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

func (a *InstrumentsAPI) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(r.Context(), "CreateInstrumentHandler")
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Warn("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	now := time.Now().UTC()
	inst := &models.TrackedInstrument{
		ID:           uuid.New().String(),
		OwnerID:      req.OwnerID,
		DisplayName:  req.DisplayName,
		TickerSymbol: strings.ToUpper(strings.TrimSpace(req.TickerSymbol)),
		IsCrypto:     req.IsCrypto,
		QuickEntry:   models.Threshold{Price: req.QuickEntry},
		SwingTrade:   models.Threshold{Price: req.SwingTrade},
		LoadTheBoat:  models.Threshold{Price: req.LoadTheBoat},
		PeriodMonth:  req.PeriodMonth,
		PeriodYear:   req.PeriodYear,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := inst.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !tickerPattern.MatchString(inst.TickerSymbol) {
		writeError(w, http.StatusBadRequest, "ticker_symbol contains invalid characters")
		return
	}

	if err := a.repo.CreateInstrument(ctx, inst); err != nil {
		logger.Log.Error("Failed to create instrument", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create instrument")
		return
	}

	a.cache.InvalidateByPrefix(ctx, listCachePrefix, "/instruments", a.instance)

	logger.Log.Info("Instrument created",
		zap.String("trace_id", traceID),
		zap.String("instrument_id", inst.ID),
		zap.String("ticker", inst.TickerSymbol),
	)
	writeJSON(w, http.StatusCreated, Response{Message: "Instrument created successfully", Data: inst})
}

func (a *InstrumentsAPI) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(r.Context(), "GetInstrumentHandler")
	defer span.End()

	id := r.PathValue("id")
	inst, err := a.repo.GetInstrumentByID(ctx, id)
	if errors.Is(err, models.ErrInstrumentNotFound) {
		writeError(w, http.StatusNotFound, "Instrument not found")
		return
	}
	if err != nil {
		logger.Log.Error("Failed to fetch instrument",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("instrument_id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Failed to fetch instrument")
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Instrument retrieved successfully", Data: inst})
}

func (a *InstrumentsAPI) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(r.Context(), "DeleteInstrumentHandler")
	defer span.End()

	id := r.PathValue("id")
	err := a.repo.DeleteInstrument(ctx, id)
	if errors.Is(err, models.ErrInstrumentNotFound) {
		writeError(w, http.StatusNotFound, "Instrument not found")
		return
	}
	if err != nil {
		logger.Log.Error("Failed to delete instrument",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("instrument_id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Failed to delete instrument")
		return
	}

	a.cache.InvalidateByPrefix(ctx, listCachePrefix, "/instruments", a.instance)
	writeJSON(w, http.StatusOK, Response{Message: "Instrument deleted successfully"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Message: message})
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}

	hash := sha256.Sum256([]byte(strings.Join(queryString, "&")))
	return prefix + hex.EncodeToString(hash[:8])
}
