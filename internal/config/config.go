package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	EngineURL string `mapstructure:"engine_url"`

	AudioChannelIn        string `mapstructure:"audio_channel_in"`
	AudioChannelOut       string `mapstructure:"audio_channel_out"`
	ScreenshareChannelIn  string `mapstructure:"screenshare_channel_in"`
	ScreenshareChannelOut string `mapstructure:"screenshare_channel_out"`
	MeetingChannel1x      string `mapstructure:"meeting_channel_1x"`
	MeetingChannel2x      string `mapstructure:"meeting_channel_2x"`
	MessageVersion        string `mapstructure:"message_version"`

	MediaHostID string `mapstructure:"media_host_id"`
	MediaHostIP string `mapstructure:"media_host_ip"`

	WebRTCAdapter string `mapstructure:"webrtc_adapter"`
	SourceAdapter string `mapstructure:"source_adapter"`

	MediaFlowTimeout time.Duration `mapstructure:"media_flow_timeout"`
	ICEQueueLimit    int           `mapstructure:"ice_queue_limit"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8070)
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("engine_url", "ws://127.0.0.1:8888/engine")
	v.SetDefault("audio_channel_in", "to-sfu-audio")
	v.SetDefault("audio_channel_out", "from-sfu-audio")
	v.SetDefault("screenshare_channel_in", "to-sfu-screenshare")
	v.SetDefault("screenshare_channel_out", "from-sfu-screenshare")
	v.SetDefault("meeting_channel_1x", "to-meeting-events")
	v.SetDefault("meeting_channel_2x", "to-meeting-events-2x")
	v.SetDefault("message_version", "2.x")
	v.SetDefault("media_host_id", "engine-1")
	v.SetDefault("media_host_ip", "")
	v.SetDefault("webrtc_adapter", "Kurento")
	v.SetDefault("source_adapter", "Freeswitch")
	v.SetDefault("media_flow_timeout", "20s")
	v.SetDefault("ice_queue_limit", 64)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
