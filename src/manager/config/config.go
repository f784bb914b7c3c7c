package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	MySQLDSN          string
	RedisURL          string
	Port              string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ArchiveFetchLimit int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return n
}

func Load() Config {
	return Config{
		MySQLDSN:          getenv("MYSQL_DSN", "fleet:fleet@tcp(localhost:3306)/agentfleet"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		Port:              getenv("PORT", "8080"),
		ConnectTimeout:    time.Duration(getint("CONNECT_TIMEOUT_SECONDS", 15)) * time.Second,
		RequestTimeout:    time.Duration(getint("RPC_TIMEOUT_SECONDS", 30)) * time.Second,
		ArchiveFetchLimit: getint("ARCHIVE_FETCH_LIMIT", 500),
	}
}
