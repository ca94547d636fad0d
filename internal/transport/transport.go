package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"key-relay/config"
)

// CreateTransport 根据代理配置创建HTTP传输层
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if !cfg.Proxy.Enabled {
		return transport, nil
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		proxyURL, err := buildProxyURL(&cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)

	case "socks5":
		dialer, err := buildSOCKS5Dialer(&cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Dial = dialer.Dial

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return transport, nil
}

// buildProxyURL 构建HTTP/HTTPS代理URL
func buildProxyURL(cfg *config.ProxyConfig) (*url.URL, error) {
	if cfg.URL != "" {
		proxyURL, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		return proxyURL, nil
	}

	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("proxy host and port are required when url is not set")
	}

	proxyURL := &url.URL{
		Scheme: cfg.Type,
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		if cfg.Password != "" {
			proxyURL.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			proxyURL.User = url.User(cfg.Username)
		}
	}
	return proxyURL, nil
}

// buildSOCKS5Dialer 构建SOCKS5代理拨号器
func buildSOCKS5Dialer(cfg *config.ProxyConfig) (proxy.Dialer, error) {
	addr := cfg.Host
	if cfg.Port != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	if cfg.URL != "" {
		proxyURL, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		addr = proxyURL.Host
	}
	if addr == "" {
		return nil, fmt.Errorf("socks5 proxy address is required")
	}

	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{
			User:     cfg.Username,
			Password: cfg.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	return dialer, nil
}

// GetProxyInfo 返回代理配置的可读描述
func GetProxyInfo(cfg *config.Config) string {
	if !cfg.Proxy.Enabled {
		return "代理未启用"
	}
	if cfg.Proxy.URL != "" {
		return fmt.Sprintf("使用%s代理: %s", cfg.Proxy.Type, cfg.Proxy.URL)
	}
	return fmt.Sprintf("使用%s代理: %s:%d", cfg.Proxy.Type, cfg.Proxy.Host, cfg.Proxy.Port)
}
