package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/storefront-core/internal/api"
	"github.com/fairyhunter13/storefront-core/internal/bus"
	"github.com/fairyhunter13/storefront-core/internal/cart"
	"github.com/fairyhunter13/storefront-core/internal/checkout"
	"github.com/fairyhunter13/storefront-core/internal/config"
	httpopenapi "github.com/fairyhunter13/storefront-core/internal/http/openapi"
	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/realtime"
	"github.com/fairyhunter13/storefront-core/internal/session"
)

type App struct {
	Cfg      config.Config
	Cart     *cart.Store
	Checkout *checkout.Service
	Conn     *realtime.Manager
	Bus      *bus.Bus
	Session  *session.Session
	API      *api.Client
	closing  atomic.Bool
	done     chan struct{}
	once     sync.Once
	started  time.Time
}

func NewApp(cfg config.Config, c *cart.Store, co *checkout.Service, conn *realtime.Manager, b *bus.Bus, s *session.Session, client *api.Client) *App {
	return &App{Cfg: cfg, Cart: c, Checkout: co, Conn: conn, Bus: b, Session: s, API: client, done: make(chan struct{}), started: time.Now()}
}

// StartShutdown makes mutations refuse new work and ends open event streams.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	a.once.Do(func() { close(a.done) })
}

type cartView struct {
	Lines     []model.CartLine `json:"lines"`
	Total     float64          `json:"total"`
	ItemCount int              `json:"item_count"`
	Valid     bool             `json:"valid"`
	Errors    []string         `json:"errors"`
}

func (a *App) cartView() cartView {
	errs := slices.Collect(a.Cart.ValidationErrors())
	if errs == nil {
		errs = []string{}
	}
	return cartView{
		Lines:     a.Cart.Lines(),
		Total:     a.Cart.Total(),
		ItemCount: a.Cart.ItemCount(),
		Valid:     len(errs) == 0,
		Errors:    errs,
	}
}

func (a *App) refuseWhenClosing(w http.ResponseWriter) bool {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return true
	}
	return false
}

func (a *App) getCartHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *App) addItemHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	var p model.Product
	if !decodeJSON(w, r, &p, false) {
		return
	}
	if p.Price != nil && *p.Price < 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "price must be >= 0")
		return
	}
	if p.PointsCost != nil && *p.PointsCost < 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "points_cost must be >= 0")
		return
	}
	if err := a.Cart.Add(p); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	obs.Logger.Info("cart_item_added", "product_id", p.ID, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *App) setQuantityHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	id := r.PathValue("id")
	var body struct {
		Quantity *int `json:"quantity"`
	}
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if body.Quantity == nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "quantity is required")
		return
	}
	if _, ok := a.Cart.Line(id); !ok {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	a.Cart.SetQuantity(id, *body.Quantity)
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *App) removeItemHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	a.Cart.Remove(r.PathValue("id"))
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *App) clearCartHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	a.Cart.Clear()
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *App) checkoutHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	var body struct {
		ForUserID string `json:"for_user_id"`
	}
	if !decodeJSON(w, r, &body, true) {
		return
	}
	res, err := a.Checkout.Checkout(r.Context(), body.ForUserID)
	switch {
	case errors.Is(err, checkout.ErrEmptyCart):
		WriteJSONError(w, http.StatusConflict, "cart_empty", "")
		return
	case errors.Is(err, checkout.ErrInvalidCart):
		details := slices.Collect(a.Cart.ValidationErrors())
		WriteJSONError(w, http.StatusUnprocessableEntity, "cart_invalid", strings.Join(details, "; "))
		return
	case err != nil:
		WriteJSONError(w, http.StatusInternalServerError, "checkout_failed", err.Error())
		return
	}
	status := http.StatusOK
	switch {
	case res.Succeeded == 0:
		status = http.StatusBadGateway
	case res.Failed > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"connection": string(a.Conn.Status().Phase),
	})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	pub, del, dropped, backlog := a.Bus.Metrics()
	st := a.Conn.Status()
	m := map[string]any{
		"events_published":  pub,
		"events_delivered":  del,
		"events_dropped":    dropped,
		"backlog_size":      backlog,
		"subscribers":       a.Bus.Subscribers(),
		"connection_phase":  st.Phase,
		"reconnect_attempt": st.Attempt,
		"cart_lines":        a.Cart.Len(),
		"cart_items":        a.Cart.ItemCount(),
		"uptime_sec":        time.Since(a.started).Seconds(),
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>storefront-core API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}
