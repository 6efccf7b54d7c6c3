package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort         string        `mapstructure:"SERVER_PORT"`
	APIBaseURL         string        `mapstructure:"API_BASE_URL"`
	APIToken           string        `mapstructure:"API_TOKEN"`
	UserID             string        `mapstructure:"USER_ID"`
	RedisAddr          string        `mapstructure:"REDIS_ADDR"`
	RedisPassword      string        `mapstructure:"REDIS_PASSWORD"`
	MQTTBroker         string        `mapstructure:"MQTT_BROKER"`
	MQTTClientID       string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopicPrefix    string        `mapstructure:"MQTT_TOPIC_PREFIX"`
	GPSDevice          string        `mapstructure:"GPS_DEVICE"`
	GPSBaud            int           `mapstructure:"GPS_BAUD"`
	MapsAPIKey         string        `mapstructure:"MAPS_API_KEY"`
	JournalPath        string        `mapstructure:"JOURNAL_PATH"`
	MonitorInterval    time.Duration `mapstructure:"MONITOR_INTERVAL"`
	IdleTimeout        time.Duration `mapstructure:"IDLE_TIMEOUT"`
	ReadTimeout        time.Duration `mapstructure:"READ_TIMEOUT"`
	AccuracyThresholdM float64       `mapstructure:"ACCURACY_THRESHOLD_M"`
	FlushSize          int           `mapstructure:"FLUSH_SIZE"`
	FlushInterval      time.Duration `mapstructure:"FLUSH_INTERVAL"`
	LastFixMaxAge      time.Duration `mapstructure:"LAST_FIX_MAX_AGE"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8080")
	viper.SetDefault("API_BASE_URL", "http://localhost:5001/api")
	viper.SetDefault("API_TOKEN", "")
	viper.SetDefault("USER_ID", "1")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("MQTT_BROKER", "")
	viper.SetDefault("MQTT_CLIENT_ID", "traveltracker")
	viper.SetDefault("MQTT_TOPIC_PREFIX", "traveltracker")
	viper.SetDefault("GPS_DEVICE", "")
	viper.SetDefault("GPS_BAUD", 9600)
	viper.SetDefault("MAPS_API_KEY", "")
	viper.SetDefault("JOURNAL_PATH", "tracker.db")
	viper.SetDefault("MONITOR_INTERVAL", 5*time.Second)
	viper.SetDefault("IDLE_TIMEOUT", 300*time.Second)
	viper.SetDefault("READ_TIMEOUT", 10*time.Second)
	viper.SetDefault("ACCURACY_THRESHOLD_M", 10.0)
	viper.SetDefault("FLUSH_SIZE", 10)
	viper.SetDefault("FLUSH_INTERVAL", 30*time.Second)
	viper.SetDefault("LAST_FIX_MAX_AGE", time.Minute)
	viper.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
