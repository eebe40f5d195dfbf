package config

import (
	"fmt"
	"os"
)

// Template returns a commented starting config.
func Template() string {
	return rangectlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(rangectlTemplate), 0o600)
}

const rangectlTemplate = `# rangectl control-channel configuration

[engine]
tick_interval = "50ms"
max_attempts = 3

[engine.backoff]
initial_delay = "0s"
multiplier = 2.0
max_delay = "0s"
jitter = false

# Per-command ack timeouts; every other command waits 500ms.
[timeouts]
"general.device_info" = "1s"
"hub.query_lidar_device_status" = "1s"

[transport]
kind = "udp"
listen = "0.0.0.0:55000"
write_timeout = "20ms"

[[devices]]
id = "3GGDJ6K00100101"
addr = "192.168.1.10:65000"

[[devices]]
id = "13UUG1R00400170"
addr = "192.168.1.20:65000"

[metrics]
addr = ""
cors_origins = []

[journal]
path = ""
`
