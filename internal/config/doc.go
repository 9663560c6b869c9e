// Package config handles configuration loading for the cryptostore CLI.
//
// # Overview
//
// Configuration is read from a YAML or TOML file, selected by extension, and
// then overridden field by field from the environment. The result is
// validated before it is returned.
//
// # Configuration File
//
//	store:
//	  dir: "~/.local/share/cryptostore/alice"
//	  driver: "sqlite"         # or sqlite3
//	  passphrase: "${CRYPTOSTORE_PASSPHRASE}"
//	  busy_timeout: "5s"
//	account:
//	  user_id: "@alice:example.org"
//	  device_id: "ALICEDEVICE"
//	kdf:
//	  time: 3
//	  memory_kib: 65536
//	  threads: 4
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text or json
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string.
//
// # Environment Overrides
//
// Every field can be set with a CRYPTOSTORE_ variable, for example
// CRYPTOSTORE_STORE_DIR, CRYPTOSTORE_ACCOUNT_USER_ID,
// CRYPTOSTORE_KDF_MEMORY_KIB or CRYPTOSTORE_LOG_LEVEL. Overrides win over
// the file.
//
// # Duration Parsing
//
// store.busy_timeout uses Go's time.ParseDuration syntax.
package config
