// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type config struct {
	Listen  string        `toml:"listen"`
	Storage storageConfig `toml:"storage"`
}

type storageConfig struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	KeyPrefix string `toml:"key_prefix"`
}

func defaultConfig() *config {
	return &config{
		Listen: "127.0.0.1:9944",
		Storage: storageConfig{
			Backend: "memory",
		},
	}
}

func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return nil, fmt.Errorf("redis storage backend requires redis_addr")
		}
	default:
		return nil, fmt.Errorf(
			"unknown storage backend: %q",
			cfg.Storage.Backend,
		)
	}
	return cfg, nil
}
