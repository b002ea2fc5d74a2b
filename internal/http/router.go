package httpapi

import (
	"expvar"
	"net/http"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", app.getCartHandler)
	mux.HandleFunc("DELETE /cart", app.clearCartHandler)
	mux.HandleFunc("POST /cart/items", app.addItemHandler)
	mux.HandleFunc("PUT /cart/items/{id}", app.setQuantityHandler)
	mux.HandleFunc("DELETE /cart/items/{id}", app.removeItemHandler)
	mux.HandleFunc("POST /checkout", app.checkoutHandler)
	mux.HandleFunc("POST /recharge", app.rechargeHandler)

	mux.HandleFunc("GET /connection", app.connectionHandler)
	mux.HandleFunc("POST /connection/connect", app.connectHandler)
	mux.HandleFunc("POST /connection/disconnect", app.disconnectHandler)

	mux.HandleFunc("POST /session", app.signInHandler)
	mux.HandleFunc("DELETE /session", app.signOutHandler)
	mux.HandleFunc("POST /session/signup", app.signUpHandler)

	mux.HandleFunc("GET /events", app.eventsHandler)

	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/debug/metrics", app.metricsHandler)
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/openapi.yaml", app.openapiHandler)
	mux.HandleFunc("/docs", app.docsHandler)
	return WithRequestID(WithTracing(WithLogging(mux)))
}
