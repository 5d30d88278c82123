package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string   `env:"BASE_URL" envDefault:"http://localhost:8080"`
	Database    Database `envPrefix:"DB_"`
	Topology    string   `env:"ENTITLEMENT_TOPOLOGY" envDefault:"customer"` // customer, realm

	Paypal     Paypal     `envPrefix:"PAYPAL_"`
	BrainTree  Braintree  `envPrefix:"BRAINTREE_"`
	Redis      Redis      `envPrefix:"REDIS_"`
	AMQP       AMQP       `envPrefix:"AMQP_"`
	Auth       Auth       `envPrefix:"AUTH_"`
	Settlement Settlement `envPrefix:"SETTLEMENT_"`
	FX         FX         `envPrefix:"FX_"`
	Tax        Tax        `envPrefix:"TAX_"`
	Reconcile  Reconcile  `envPrefix:"RECONCILE_"`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"mysql"` // mysql, sqlite
	URL    string `env:"URL"`
}

type Paypal struct {
	BaseApiURL   string `env:"BASE_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	BrandName    string `env:"BRAND_NAME" envDefault:"Purchase Processor"`
}

type Braintree struct {
	Environment string `env:"ENVIRONMENT"`
	MerchantID  string `env:"MERCHANT_ID"`
	PublicKey   string `env:"PUBLIC_KEY"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

// Redis is optional. An empty address keeps locking in-process.
type Redis struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"30s"`
}

// AMQP is optional. An empty URL sends notifications to the log only.
type AMQP struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"billing.notifications"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type Settlement struct {
	Currency             string        `env:"CURRENCY" envDefault:"USD"`
	MinimumCharge        string        `env:"MINIMUM_CHARGE" envDefault:"0.50"`
	PartialRefundFeeRate string        `env:"PARTIAL_REFUND_FEE_RATE" envDefault:"0.029"`
	RefundWindow         time.Duration `env:"REFUND_WINDOW" envDefault:"4320h"`
}

// FX rates are settlement units per one unit of the keyed currency, e.g. FX_RATES=EUR:1.08,GBP:1.27.
type FX struct {
	Rates map[string]string `env:"RATES" envSeparator:"," envKeyValSeparator:":"`
	TTL   time.Duration     `env:"TTL" envDefault:"1h"`
}

type Tax struct {
	DefaultPercent string            `env:"DEFAULT_PERCENT" envDefault:"0"`
	RealmPercents  map[string]string `env:"REALM_PERCENTS" envSeparator:"," envKeyValSeparator:":"`
}

type Reconcile struct {
	Schedule     string        `env:"SCHEDULE" envDefault:"@every 5m"`
	PendingAfter time.Duration `env:"PENDING_AFTER" envDefault:"15m"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
	// RedirectHosts may receive the customer after a PayPal approval, in
	// addition to the BASE_URL host.
	RedirectHosts []string `env:"HTTP_REDIRECT_HOSTS" envSeparator:","`
}
