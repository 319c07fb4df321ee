package telegram

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultSessionFile = ".cache/telegram/session.json"
	defaultAuthTimeout = 3 * time.Minute
)

// Config is the Telegram user session configuration.
type Config struct {
	AppID        int    `json:"app_id" yaml:"app_id"`
	AppHash      string `json:"app_hash" yaml:"app_hash"`
	Phone        string `json:"phone" yaml:"phone"`
	Code         string `json:"code" yaml:"code"`
	Password     string `json:"password" yaml:"password"`
	SessionFile  string `json:"session_file" yaml:"session_file"`
	RPCTimeout   string `json:"rpc_timeout" yaml:"rpc_timeout"`
	AuthTimeout  string `json:"auth_timeout" yaml:"auth_timeout"`
	AlbumWindow  string `json:"album_window" yaml:"album_window"`
	UpdateBuffer int    `json:"update_buffer" yaml:"update_buffer"`
}

type parsedConfig struct {
	appID        int
	appHash      string
	phone        string
	code         string
	password     string
	sessionFile  string
	rpcTimeout   time.Duration
	authTimeout  time.Duration
	albumWindow  time.Duration
	updateBuffer int
}

func parseConfig(raw Config) (parsedConfig, error) {
	cfg := parsedConfig{
		appID:        raw.AppID,
		appHash:      strings.TrimSpace(raw.AppHash),
		phone:        strings.TrimSpace(raw.Phone),
		code:         strings.TrimSpace(raw.Code),
		password:     strings.TrimSpace(raw.Password),
		sessionFile:  strings.TrimSpace(raw.SessionFile),
		rpcTimeout:   defaultRPCTimeout,
		authTimeout:  defaultAuthTimeout,
		albumWindow:  defaultAlbumWindow,
		updateBuffer: raw.UpdateBuffer,
	}
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultUpdateBuffer
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = defaultSessionFile
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "rpc_timeout", raw: raw.RPCTimeout, target: &cfg.rpcTimeout},
		{name: "auth_timeout", raw: raw.AuthTimeout, target: &cfg.authTimeout},
		{name: "album_window", raw: raw.AlbumWindow, target: &cfg.albumWindow},
	}
	for _, duration := range durations {
		value := strings.TrimSpace(duration.raw)
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return parsedConfig{}, fmt.Errorf("parse %s: %w", duration.name, err)
		}
		if parsed <= 0 {
			return parsedConfig{}, fmt.Errorf("parse %s: must be > 0", duration.name)
		}
		*duration.target = parsed
	}

	if cfg.appID <= 0 {
		return parsedConfig{}, fmt.Errorf("app_id must be > 0")
	}
	if cfg.appHash == "" {
		return parsedConfig{}, fmt.Errorf("app_hash is required")
	}

	return cfg, nil
}
