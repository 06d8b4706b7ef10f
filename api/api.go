// Package api is the HTTP surface of the LNURL-pay server. It implements
// the .well-known lnurlp endpoint, the invoice callback and user
// registration.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/ln"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API
type Config struct {
	// Domain is the domain name the server is reachable under, used to
	// build callback URLs and lightning addresses
	Domain string
	// MinSendable is the smallest amount in millisatoshis we issue an
	// invoice for
	MinSendable int64
	// MaxSendable is the largest amount in millisatoshis we issue an
	// invoice for
	MaxSendable int64
	// NostrPubkey is the x-only hex encoded public key receipts will be
	// signed with, announced via the lnurlp endpoint
	NostrPubkey string
}

// RestServer is the REST server for our app. It includes a router, a db
// connection and a connection to lnd.
type RestServer struct {
	Router *gin.Engine

	db     *db.DB
	lncli  ln.AddInvoiceClient
	config Config
}

func getCorsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins: true,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}
}

// getGinEngine creates a new Gin engine and applies the middlewares used by
// our API: recovering from panics, logging with Logrus and CORS.
func getGinEngine() *gin.Engine {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(build.GinLoggingMiddleWare(log))
	engine.Use(cors.New(getCorsConfig()))

	return engine
}

// NewApp creates a new server with all routes registered
func NewApp(d *db.DB, lncli ln.AddInvoiceClient, config Config) (RestServer, error) {
	if config.Domain == "" {
		return RestServer{}, fmt.Errorf("domain must be set")
	}
	if config.MinSendable > config.MaxSendable {
		return RestServer{}, fmt.Errorf(
			"minSendable (%d) is larger than maxSendable (%d)",
			config.MinSendable, config.MaxSendable)
	}

	server := RestServer{
		Router: getGinEngine(),
		db:     d,
		lncli:  lncli,
		config: config,
	}

	server.registerRoutes()

	return server, nil
}

func (r *RestServer) registerRoutes() {
	r.Router.GET("/health-check", r.healthCheck())
	r.Router.GET("/.well-known/lnurlp/:name", r.getLnurlPay())
	r.Router.GET("/get-invoice/:name", r.getInvoice())
	r.Router.POST("/v1/register", r.register())

	r.Router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"status": "ERROR",
			"reason": fmt.Sprintf("no route for %s", c.Request.URL.Path),
		})
	})
}

// lnurlError terminates the request with the error shape LUD-06 dictates
func lnurlError(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status": "ERROR",
		"reason": reason,
	})
}

// HealthResponse mirrors the IETF draft RFC for HTTP API health checks:
// https://datatracker.ietf.org/doc/html/draft-inadarei-api-health-check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (r *RestServer) healthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "pass",
			Version: "0",
		})
	}
}
