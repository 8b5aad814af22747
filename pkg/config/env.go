package config

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "STAGEPAY"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

const (
	EnvDBDSN  = "STAGEPAY_DB_DSN"
	EnvDBHost = "STAGEPAY_DB_HOST"
	EnvDBUser = "STAGEPAY_DB_USER"
	EnvDBName = "STAGEPAY_DB_NAME"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
