package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"spartan/internal/domain"
	"spartan/internal/scheduler"
	"spartan/internal/store"
	"spartan/internal/twap"
)

type Server struct {
	r     *chi.Mux
	sched *scheduler.Service
	ctrl  *twap.Controller
	store store.Store
}

func NewServer(sched *scheduler.Service, ctrl *twap.Controller, st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, ctrl: ctrl, store: st}

	r.Get("/health", s.health)
	r.Get("/api/orders", s.listOrders)
	r.Post("/api/orders", s.createOrder)
	r.Get("/api/orders/history", s.orderHistory)
	r.Get("/api/orders/{id}", s.getOrder)
	r.Delete("/api/orders/{id}", s.cancelOrder)
	r.Get("/api/tasks", s.listTasks)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createOrderReq struct {
	SourceAddress   string   `json:"source_address"`
	AssetSymbol     string   `json:"asset_symbol"`
	AssetReference  string   `json:"asset_reference"`
	TotalAmount     float64  `json:"total_amount"`
	EndTime         string   `json:"end_time,omitempty"`
	DurationMinutes float64  `json:"duration_minutes,omitempty"`
	IntervalMinutes float64  `json:"interval_minutes"`
	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`
	PositionID      string   `json:"position_id,omitempty"`
}

type createOrderResp struct {
	OrderID string `json:"order_id"`
	TaskID  string `json:"task_id"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var end time.Time
	switch {
	case req.EndTime != "":
		t, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			http.Error(w, "end_time must be RFC3339", http.StatusBadRequest)
			return
		}
		end = t
	case req.DurationMinutes > 0:
		end = time.Now().UTC().Add(time.Duration(req.DurationMinutes * float64(time.Minute)))
	default:
		http.Error(w, "end_time or duration_minutes is required", http.StatusBadRequest)
		return
	}

	order, rec, err := s.ctrl.CreateOrder(r.Context(), twap.OrderParams{
		SourceAddress:   req.SourceAddress,
		AssetSymbol:     req.AssetSymbol,
		AssetReference:  req.AssetReference,
		TotalAmount:     req.TotalAmount,
		EndTime:         end,
		IntervalMinutes: req.IntervalMinutes,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		PositionID:      req.PositionID,
	})
	if err != nil {
		if domain.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createOrderResp{OrderID: order.OrderID, TaskID: rec.ID})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.ctrl.ListOrders(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []domain.OrderSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ctrl.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CancelOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	summaries, err := s.ctrl.History(r.Context(), r.URL.Query().Get("owner"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []domain.OrderSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.GetTasks(r.Context(), store.Filter{OwnerScope: r.URL.Query().Get("owner")})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, t := range recs {
		out = append(out, map[string]any{
			"id":          t.ID,
			"name":        t.Name,
			"description": t.Description,
			"owner_scope": t.OwnerScope,
			"tags":        t.Tags,
			"created_at":  t.CreatedAt.Format(time.RFC3339),
			"updated_at":  t.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
