// Package config loads idsync configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// IDSYNC_CONFIG_FILE, then IDSYNC_* environment variables. The result is
// validated before use.
//
// Commonly set variables:
//
//	IDSYNC_PORT="8080"
//	IDSYNC_STORAGE="postgres"            # postgres or memory
//	IDSYNC_DATABASE_URL="postgres://idsync@db/idsync?sslmode=disable"
//	IDSYNC_REDIS_URL="redis://redis:6379/0"
//	IDSYNC_IDP_BASE_URL="https://sso.example.com"
//	IDSYNC_IDP_REALM="members"
//	IDSYNC_IDP_CLIENT_ID="idsync"
//	IDSYNC_IDP_CLIENT_SECRET="..."
//	IDSYNC_IDP_ISSUER_URL="https://sso.example.com/realms/members"
//	IDSYNC_RECONCILE_PERIOD="60s"
//	IDSYNC_RECONCILE_MAX_ATTEMPTS="5"
//	IDSYNC_SMTP_HOST="mail.example.com"
//	IDSYNC_LOG_LEVEL="info"
//
// The YAML file uses the same sections in snake case:
//
//	idp:
//	  base_url: https://sso.example.com
//	  realm: members
//	reconcile:
//	  period: 60s
package config
