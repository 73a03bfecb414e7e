package main

import (
	"kolo-engine/internal/httpapi"
	"kolo-engine/pkg/config"
	"kolo-engine/pkg/db"
	"kolo-engine/pkg/health"
	"kolo-engine/pkg/logger"
	"kolo-engine/pkg/provider"
	redispkg "kolo-engine/pkg/redis"
	"kolo-engine/pkg/sequence"
	"kolo-engine/pkg/server"
	"kolo-engine/pkg/task"
	"kolo-engine/services/availability"
	"kolo-engine/services/campaign"
	"kolo-engine/services/exchange"
	"kolo-engine/services/notify"
	"kolo-engine/services/order"
	"kolo-engine/services/promo"
	"kolo-engine/services/sweeper"
	"kolo-engine/services/ticketpool"
	"kolo-engine/services/wallet"
	"kolo-engine/services/webhook"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		logger.Module,
		config.Module,
		db.Module,
		redispkg.Module,
		task.Client,
		task.Server,
		sequence.Module,
		health.Module,
		provider.Module,

		fx.Provide(provideSnowflakeNode),

		campaign.Module,
		ticketpool.Module,
		promo.Module,
		exchange.Module,
		wallet.Module,
		notify.Module,
		order.Module,
		webhook.Module,
		availability.Module,
		sweeper.Module,

		httpapi.Module,
		server.ProvideHTTPServer,

		fx.Invoke(autoMigrate),
	)

	app.Run()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&campaign.Campaign{},
		&ticketpool.TicketNumber{},
		&promo.PromoCode{},
		&wallet.WalletBalance{},
		&wallet.WalletLedgerEntry{},
		&order.Order{},
		&webhook.WebhookEvent{},
	)
}
