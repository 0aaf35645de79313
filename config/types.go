package config

// Policy seeds the factory-wide trade policy applied on first boot. All
// addresses are bech32 "pv" strings; amounts are decimal base-unit strings.
type Policy struct {
	Owner              string    `toml:"Owner"`
	Arbitrator         string    `toml:"Arbitrator"`
	FeeRecipient       string    `toml:"FeeRecipient"`
	ProtocolFeeBps     uint32    `toml:"ProtocolFeeBps"`
	DisputeStake       string    `toml:"DisputeStake"`
	DiscountCredential string    `toml:"DiscountCredential,omitempty"`
	Partners           []Partner `toml:"Partners,omitempty"`
	Credentials        []string  `toml:"Credentials,omitempty"`
}

// Partner is one additive fee entry in the policy seed.
type Partner struct {
	Address string `toml:"Address"`
	Bps     uint32 `toml:"Bps"`
}

// Allocation credits one balance on first boot. An empty Token selects the
// native coin; otherwise Token is a 0x-prefixed 20-byte token address.
type Allocation struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token,omitempty"`
	Amount  string `toml:"Amount"`
}

// Genesis groups the state applied when the node boots with an empty store.
type Genesis struct {
	Allocations []Allocation `toml:"Allocations,omitempty"`
}

// Logging configures the JSON log sink. An empty File logs to stdout only.
type Logging struct {
	File          string `toml:"File,omitempty"`
	MaxSizeMB     int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups    int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays    int    `toml:"MaxAgeDays,omitempty"`
	Environment   string `toml:"Environment,omitempty"`
	ServiceSuffix string `toml:"ServiceSuffix,omitempty"`
}

// Telemetry configures the OTLP exporters. Disabled leaves tracing and
// metrics export off; the Prometheus scrape endpoint works regardless.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure,omitempty"`
	Metrics  bool   `toml:"Metrics,omitempty"`
	Traces   bool   `toml:"Traces,omitempty"`
	Headers  string `toml:"Headers,omitempty"`
}
