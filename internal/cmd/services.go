package main

import (
	"database/sql"
	"log"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/lottohub/royale/internal/api"
	"github.com/lottohub/royale/internal/clock"
	"github.com/lottohub/royale/internal/elimination"
	"github.com/lottohub/royale/internal/events"
	"github.com/lottohub/royale/internal/gateway"
	"github.com/lottohub/royale/internal/royale"
	"github.com/lottohub/royale/internal/session"
	"github.com/lottohub/royale/internal/users"
)

type Services struct {
	Session     *session.Session
	Provisioner *session.Provisioner
	Gateway     *gateway.Service
	API         *api.Handler
}

func setupServices(database *sql.DB, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database layer → Repository layer → App layer → Session layer

	royaleRepo := royale.NewRepository(database)
	usersRepo := users.NewRepository(database)
	app := royale.NewApp(royaleRepo, usersRepo, database)

	// Without a broker the engine logs events and the gateway skips the
	// consumer; fine for local single-process runs.
	var publisher events.Publisher
	var nc *nats.Conn
	if url := getEnv("NATS_URL", ""); url != "" {
		natsPublisher, err := events.Connect(url)
		if err != nil {
			return nil, err
		}
		publisher = natsPublisher
		nc = natsPublisher.Conn()
	} else {
		log.Printf("NATS_URL not set, running without event broker")
		publisher = events.NewLogPublisher()
	}

	clk := clockwork.NewRealClock()
	sess := session.NewSession(
		app,
		usersRepo,
		elimination.New(),
		clock.NewRegistry(clk),
		publisher,
		clk,
		config.sessionConfig(),
	)
	provisioner := session.NewProvisioner(sess, clk, session.DefaultProvisionerConfig())
	gatewayService := gateway.NewService(sess, nc, gateway.DefaultConnectionConfig())

	return &Services{
		Session:     sess,
		Provisioner: provisioner,
		Gateway:     gatewayService,
		API:         api.NewHandler(sess, usersRepo),
	}, nil
}
