package config

// PolicyFileName is the policy file the profiles reference, relative to the
// config file.
const PolicyFileName = "policy.yaml"

// DevProfile returns a config for local development: loopback listener,
// header identity, console logs, in-memory storage, queue approvals.
func DevProfile() string {
	return `# sentinel configuration (dev profile)
listen:
  host: 127.0.0.1
  port: 8080

agents:
  mode: header
  allow_anonymous: true

admin:
  enabled: true
  token: change-me

policy:
  file: ` + PolicyFileName + `

rate_limit:
  enabled: true
  tool_calls_per_minute: 120
  burst_multiplier: 2

approval:
  mode: queue
  timeout: 60s

storage:
  driver: memory

audit:
  sinks: [log]

logging:
  level: debug
  format: console

reload:
  enabled: true
  watch_file: true
  debounce: 500ms
`
}

// ProdProfile returns a config for production: verified JWT identity,
// SQLite persistence, stored audit records, capability tokens required
// for shell and secret calls.
func ProdProfile() string {
	return `# sentinel configuration (prod profile)
listen:
  host: 0.0.0.0
  port: 8080
  grpc_port: 9090
  max_connections: 1000
  global_rate_limit: 5000

agents:
  mode: jwt
  jwt:
    secret: change-me-to-a-long-random-secret
    issuer: sentinel

admin:
  enabled: true
  token: change-me

policy:
  file: ` + PolicyFileName + `

rate_limit:
  enabled: true
  tool_calls_per_minute: 60
  tokens_per_minute: 100000
  messages_per_minute: 120
  flush_interval: 10s
  max_refill_window: 1h

capabilities:
  required: [shell, secret]
  cache_ttl: 30s

approval:
  mode: queue
  timeout: 60s

storage:
  driver: sqlite
  path: sentinel.db

audit:
  sinks: [log, sqlite]
  sampling_rate: 0.1
  error_sampling_rate: 1.0

idempotency:
  enabled: true
  window: 5m

logging:
  level: info
  format: json

reload:
  enabled: true
  watch_file: true
`
}

// DevPolicy is a permissive starting policy: reads anywhere, writes in the
// working tree, common developer commands, approval for the network.
func DevPolicy() string {
	return `name: dev
description: permissive local development policy
defaultDecision: block
fileRules:
  - id: read-anywhere
    paths: ["/**"]
    operations: [read, list]
    decision: allow
    priority: 10
  - id: write-workspace
    paths: ["/workspace/**", "/tmp/**"]
    operations: [write, delete]
    decision: allow
    priority: 20
  - id: protect-secrets-on-disk
    paths: ["/**/.env", "/**/.ssh/**", "/**/*.pem"]
    decision: block
    priority: 100
shellRules:
  - id: dev-tools
    commands: ["git*", "ls*", "cat*", "go *", "npm *", "make*"]
    decision: allow
    priority: 10
  - id: destructive
    commands: ["rm -rf*", "sudo*"]
    decision: block
    priority: 100
networkRules:
  - id: localhost
    hosts: [localhost, 127.0.0.1]
    decision: allow
    priority: 10
  - id: everything-else
    hosts: ["*"]
    decision: approve
    priority: 1
secretRules:
  - id: secrets
    names: ["*"]
    decision: approve
`
}

// ProdPolicy is a locked-down starting policy.
func ProdPolicy() string {
	return `name: prod
description: locked-down production policy
defaultDecision: block
fileRules:
  - id: workspace
    paths: ["/workspace/**"]
    operations: [read, list, write]
    decision: allow
    priority: 10
  - id: system
    paths: ["/etc/**", "/root/**", "/**/.ssh/**"]
    decision: block
    priority: 100
shellRules:
  - id: read-only-git
    commands: ["git status", "git diff*", "git log*"]
    decision: allow
    priority: 10
  - id: deploy
    commands: ["make deploy*"]
    decision: approve
    priority: 20
networkRules:
  - id: internal-apis
    hosts: ["*.internal.example.com"]
    decision: allow
    priority: 10
secretRules:
  - id: secrets
    names: ["*"]
    decision: approve
`
}
