package types

// DataSourceKind names a data source variant
type DataSourceKind string

const (
	DataSourceKindPrometheus    DataSourceKind = "prometheus"
	DataSourceKindElasticsearch DataSourceKind = "elasticsearch"
	DataSourceKindLoki          DataSourceKind = "loki"
	DataSourceKindProxy         DataSourceKind = "proxy"
)

// DataSource is a closed set of data source descriptors. Only the variants
// declared in this package implement it.
type DataSource interface {
	Kind() DataSourceKind
	isDataSource()
}

// PrometheusDataSource is a Prometheus server reachable directly
type PrometheusDataSource struct {
	URL string `json:"url" yaml:"url"`
}

// ElasticsearchDataSource is an Elasticsearch cluster reachable directly
type ElasticsearchDataSource struct {
	URL                 string   `json:"url" yaml:"url"`
	TimestampFieldNames []string `json:"timestampFieldNames,omitempty" yaml:"timestamp_field_names"`
	BodyFieldNames      []string `json:"bodyFieldNames,omitempty" yaml:"body_field_names"`
}

// LokiDataSource is a Loki server reachable directly
type LokiDataSource struct {
	URL string `json:"url" yaml:"url"`
}

// ProxyDataSource is a data source only reachable through a proxy.
// Both identifiers are opaque.
type ProxyDataSource struct {
	ProxyID        string `json:"proxyId" yaml:"proxy_id"`
	DataSourceName string `json:"dataSourceName" yaml:"data_source_name"`
	DataSourceType string `json:"dataSourceType,omitempty" yaml:"data_source_type"`
}

func (PrometheusDataSource) Kind() DataSourceKind    { return DataSourceKindPrometheus }
func (ElasticsearchDataSource) Kind() DataSourceKind { return DataSourceKindElasticsearch }
func (LokiDataSource) Kind() DataSourceKind          { return DataSourceKindLoki }
func (ProxyDataSource) Kind() DataSourceKind         { return DataSourceKindProxy }

func (PrometheusDataSource) isDataSource()    {}
func (ElasticsearchDataSource) isDataSource() {}
func (LokiDataSource) isDataSource()          {}
func (ProxyDataSource) isDataSource()         {}
