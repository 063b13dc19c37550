// Package api exposes the engine over REST.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/api/apierr"
	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/engine"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/receiver"
	"gitlab.com/slashpay/slashpay/sender"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API.
type Config struct {
	// CORSOrigins are the origins allowed to call us from a browser.
	CORSOrigins []string
}

// RestServer is the rest server for our app: a router over the engine.
type RestServer struct {
	Router *gin.Engine
	engine *engine.Manager
}

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(build.GinLoggingMiddleWare(log))
	g.Use(cors.New(getCorsConfig(config.CORSOrigins)))
	g.Use(apierr.GetMiddleware(log))
	return g
}

// NewApp creates a new app over an initialised engine.
func NewApp(e *engine.Manager, config Config) (RestServer, error) {
	r := RestServer{
		Router: getGinEngine(config),
		engine: e,
	}

	r.Router.GET("/health", r.health())
	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerOrderRoutes()
	r.registerReceiveRoutes()
	return r, nil
}

func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": build.Version(),
		})
	}
}

func (r *RestServer) registerOrderRoutes() {
	v1 := r.Router.Group("/v1")
	v1.POST("/orders", r.createOrder())
	v1.GET("/orders/:id", r.getOrder())
	v1.POST("/orders/:id/pay", r.payOrder())
	v1.DELETE("/orders/:id", r.cancelOrder())
	v1.POST("/payments/update", r.updatePayment())
}

func (r *RestServer) registerReceiveRoutes() {
	v1 := r.Router.Group("/v1")
	v1.POST("/invoices", r.createInvoice())
	v1.POST("/receive", r.receivePayments())
}

func (r *RestServer) createOrder() gin.HandlerFunc {
	type request struct {
		ClientOrderID   string     `json:"clientOrderId"`
		CounterpartyURL string     `json:"counterpartyURL" binding:"required"`
		Amount          string     `json:"amount" binding:"required"`
		Currency        string     `json:"currency"`
		Denomination    string     `json:"denomination"`
		Memo            string     `json:"memo"`
		SendingPriority []string   `json:"sendingPriority"`
		Frequency       int64      `json:"frequency" binding:"gte=0"`
		FirstPaymentAt  *time.Time `json:"firstPaymentAt"`
		LastPaymentAt   *time.Time `json:"lastPaymentAt"`
	}

	return func(c *gin.Context) {
		var req request
		if ok := getJSONOrReject(c, &req); !ok {
			return
		}

		orderAmount, err := amount.New(req.Amount, req.Currency, amount.Denomination(req.Denomination))
		if err != nil {
			log.WithError(err).Debug("Rejected order with bad amount")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		args := orders.NewOrderArgs{
			ClientOrderID:   req.ClientOrderID,
			CounterpartyURL: req.CounterpartyURL,
			Memo:            req.Memo,
			SendingPriority: req.SendingPriority,
			Amount:          orderAmount,
			Frequency:       req.Frequency,
			LastPaymentAt:   req.LastPaymentAt,
		}
		if req.FirstPaymentAt != nil {
			args.FirstPaymentAt = *req.FirstPaymentAt
		}

		order, err := r.engine.CreatePaymentOrder(c.Request.Context(), args)
		if err != nil {
			log.WithError(err).Error("Could not create payment order")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}
		c.JSON(http.StatusCreated, order.Serialize())
	}
}

func (r *RestServer) getOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := r.engine.GetPaymentOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Cause(err) == orders.ErrOrderNotFound {
				apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
				return
			}
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, order.Serialize())
	}
}

func (r *RestServer) payOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := r.engine.SendPayment(c.Request.Context(), id)
		switch errors.Cause(err) {
		case nil:
		case orders.ErrOrderNotFound:
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
			return
		case sender.ErrNoPluginsAvailable:
			apierr.Public(c, http.StatusBadRequest, apierr.ErrNoPluginsAvailable)
			return
		default:
			_ = c.Error(err)
			return
		}

		order, err := r.engine.GetPaymentOrder(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, order.Serialize())
	}
}

func (r *RestServer) cancelOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := r.engine.CancelPaymentOrder(c.Request.Context(), id)
		switch errors.Cause(err) {
		case nil:
		case orders.ErrOrderNotFound:
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
			return
		default:
			_ = c.Error(err)
			return
		}

		order, err := r.engine.GetPaymentOrder(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, order.Serialize())
	}
}

func (r *RestServer) updatePayment() gin.HandlerFunc {
	type request struct {
		OrderID    string          `json:"orderId" binding:"required"`
		PaymentID  string          `json:"paymentId"`
		PluginName string          `json:"pluginName"`
		Data       json.RawMessage `json:"data" binding:"required"`
	}

	return func(c *gin.Context) {
		var req request
		if ok := getJSONOrReject(c, &req); !ok {
			return
		}

		err := r.engine.EntryPointForUser(c.Request.Context(), sender.UpdateArgs{
			OrderID:    req.OrderID,
			PaymentID:  req.PaymentID,
			PluginName: req.PluginName,
			Data:       req.Data,
		})
		switch errors.Cause(err) {
		case nil:
			c.JSON(http.StatusOK, gin.H{"orderId": req.OrderID})
		case sender.ErrOrderNotActive, sender.ErrNoPaymentInFlight:
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotActive)
		case orders.ErrOrderNotFound:
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
		default:
			_ = c.Error(err)
		}
	}
}

func (r *RestServer) createInvoice() gin.HandlerFunc {
	type request struct {
		ClientOrderID string `json:"clientOrderId"`
		Amount        string `json:"amount" binding:"required"`
		Currency      string `json:"currency"`
		Denomination  string `json:"denomination"`
		Memo          string `json:"memo"`
	}

	return func(c *gin.Context) {
		var req request
		if ok := getJSONOrReject(c, &req); !ok {
			return
		}

		expected, err := amount.New(req.Amount, req.Currency, amount.Denomination(req.Denomination))
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		url, err := r.engine.CreateInvoice(c.Request.Context(), receiver.InvoiceArgs{
			ClientOrderID: req.ClientOrderID,
			Expected:      expected,
			Memo:          req.Memo,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"url": url})
	}
}

func (r *RestServer) receivePayments() gin.HandlerFunc {
	return func(c *gin.Context) {
		url, err := r.engine.ReceivePayments(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

// getJSONOrReject binds the request body, registering a binding error the
// error middleware turns into a field-level response.
func getJSONOrReject(c *gin.Context, body interface{}) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		log.WithError(err).Debug("Could not bind request body")
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return false
	}
	return true
}
