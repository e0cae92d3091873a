package core

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/evilrelay/evilrelay/log"
)

var PROXY_TYPES = []string{"http", "https", "socks5", "socks5h"}

type ProxyConfig struct {
	Type     string `mapstructure:"type" json:"type" yaml:"type"`
	Address  string `mapstructure:"address" json:"address" yaml:"address"`
	Port     int    `mapstructure:"port" json:"port" yaml:"port"`
	Username string `mapstructure:"username" json:"username" yaml:"username"`
	Password string `mapstructure:"password" json:"password" yaml:"password"`
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

type GeneralConfig struct {
	BindIpv4        string `mapstructure:"bind_ipv4" json:"bind_ipv4" yaml:"bind_ipv4"`
	ExternalHost    string `mapstructure:"external_host" json:"external_host" yaml:"external_host"`
	HttpPort        int    `mapstructure:"http_port" json:"http_port" yaml:"http_port"`
	InternalAPIPort int    `mapstructure:"internal_api_port" json:"internal_api_port" yaml:"internal_api_port"`
	CookieName      string `mapstructure:"cookie_name" json:"cookie_name" yaml:"cookie_name"`
	CacheTTL        int    `mapstructure:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"`
}

type Config struct {
	general     *GeneralConfig
	proxyConfig *ProxyConfig
	targets     []*Target
	cfg         *viper.Viper
}

const (
	CFG_GENERAL = "general"
	CFG_PROXY   = "proxy"
	CFG_TARGETS = "targets"
)

const (
	DEFAULT_HTTP_PORT         = 8020
	DEFAULT_INTERNAL_API_PORT = 8021
	DEFAULT_COOKIE_NAME       = "_proxy_session"
	DEFAULT_CACHE_TTL_SECS    = 300
)

func NewConfig(cfg_dir string, path string) (*Config, error) {
	c := &Config{
		general:     &GeneralConfig{},
		proxyConfig: &ProxyConfig{},
		targets:     []*Target{},
	}

	c.cfg = viper.New()
	c.cfg.SetConfigType("json")

	if path == "" {
		path = filepath.Join(cfg_dir, "config.json")
	}
	err := os.MkdirAll(filepath.Dir(path), os.FileMode(0700))
	if err != nil {
		return nil, err
	}
	c.cfg.SetConfigFile(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = c.cfg.WriteConfigAs(path)
		if err != nil {
			return nil, err
		}
	}

	err = c.cfg.ReadInConfig()
	if err != nil {
		return nil, err
	}

	c.cfg.UnmarshalKey(CFG_GENERAL, &c.general)
	if c.general.HttpPort == 0 {
		c.SetHttpPort(DEFAULT_HTTP_PORT)
	}
	if c.general.InternalAPIPort == 0 {
		c.general.InternalAPIPort = DEFAULT_INTERNAL_API_PORT
	}
	if c.general.CookieName == "" {
		c.general.CookieName = DEFAULT_COOKIE_NAME
	}
	if c.general.CacheTTL == 0 {
		c.general.CacheTTL = DEFAULT_CACHE_TTL_SECS
	}

	c.cfg.UnmarshalKey(CFG_PROXY, &c.proxyConfig)
	c.cfg.UnmarshalKey(CFG_TARGETS, &c.targets)

	c.cfg.WriteConfig()
	return c, nil
}

func (c *Config) SetServerBindIP(ip_addr string) {
	c.general.BindIpv4 = ip_addr
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("server bind IP set to: %s", ip_addr)
	c.cfg.WriteConfig()
}

func (c *Config) SetExternalHost(host string) {
	c.general.ExternalHost = host
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("external host set to: %s", host)
	c.cfg.WriteConfig()
}

func (c *Config) SetHttpPort(port int) {
	c.general.HttpPort = port
	c.cfg.Set(CFG_GENERAL, c.general)
	c.cfg.WriteConfig()
}

func (c *Config) SetInternalAPIPort(port int) {
	c.general.InternalAPIPort = port
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("internal API port set to: %d", port)
	c.cfg.WriteConfig()
}

func (c *Config) SetCookieName(name string) {
	c.general.CookieName = name
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("session cookie name set to: %s", name)
	c.cfg.WriteConfig()
}

func (c *Config) SetCacheTTL(secs int) {
	c.general.CacheTTL = secs
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("page cache TTL set to: %d seconds", secs)
	c.cfg.WriteConfig()
}

func (c *Config) GetServerBindIP() string {
	return c.general.BindIpv4
}

func (c *Config) GetExternalHost() string {
	return c.general.ExternalHost
}

func (c *Config) GetHttpPort() int {
	return c.general.HttpPort
}

func (c *Config) GetInternalAPIPort() int {
	if c.general.InternalAPIPort == 0 {
		return DEFAULT_INTERNAL_API_PORT
	}
	return c.general.InternalAPIPort
}

func (c *Config) GetCookieName() string {
	if c.general.CookieName == "" {
		return DEFAULT_COOKIE_NAME
	}
	return c.general.CookieName
}

func (c *Config) GetCacheTTL() int {
	if c.general.CacheTTL == 0 {
		return DEFAULT_CACHE_TTL_SECS
	}
	return c.general.CacheTTL
}

func (c *Config) EnableProxy(enabled bool) {
	c.proxyConfig.Enabled = enabled
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	if enabled {
		log.Info("enabled proxy")
	} else {
		log.Info("disabled proxy")
	}
	c.cfg.WriteConfig()
}

func (c *Config) SetProxyType(ptype string) {
	if !stringExists(ptype, PROXY_TYPES) {
		log.Error("invalid proxy type selected")
		return
	}
	c.proxyConfig.Type = ptype
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	log.Info("proxy type set to: %s", ptype)
	c.cfg.WriteConfig()
}

func (c *Config) SetProxyAddress(address string) {
	c.proxyConfig.Address = address
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	log.Info("proxy address set to: %s", address)
	c.cfg.WriteConfig()
}

func (c *Config) SetProxyPort(port int) {
	c.proxyConfig.Port = port
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	log.Info("proxy port set to: %d", port)
	c.cfg.WriteConfig()
}

func (c *Config) SetProxyUsername(username string) {
	c.proxyConfig.Username = username
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	log.Info("proxy username set to: %s", username)
	c.cfg.WriteConfig()
}

func (c *Config) SetProxyPassword(password string) {
	c.proxyConfig.Password = password
	c.cfg.Set(CFG_PROXY, c.proxyConfig)
	log.Info("proxy password set")
	c.cfg.WriteConfig()
}

func (c *Config) GetProxyConfig() *ProxyConfig {
	return c.proxyConfig
}

// SaveTargets persists the current target set so registrations survive a
// restart.
func (c *Config) SaveTargets(targets []*Target) {
	c.targets = targets
	c.cfg.Set(CFG_TARGETS, c.targets)
	c.cfg.WriteConfig()
}

func (c *Config) GetTargets() []*Target {
	return c.targets
}
