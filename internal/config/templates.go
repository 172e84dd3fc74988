package config

import (
	"fmt"
	"os"
)

func Template() string {
	return nodeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(nodeTemplate), 0o600)
}

const nodeTemplate = `name = "link-a"
udp_port = 7400
admin_addr = ":9400"
cors_origins = ["http://localhost:3000"]

[protocol]
ping_timeout_ms = 100
idle_interval_ms = 500
accepted_key_ttl_ms = 0
`
