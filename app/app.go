package app

import (
	"database/sql"

	"github.com/go-chi/oauth"
	"github.com/fieldworks/survey-server/config"
)

type App struct {
	*sql.DB
	*oauth.BearerServer
	config.Config
}
