package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notification string `mapstructure:"notification"`
}

type BusinessConfig struct {
	AdditionalMarker   string         `mapstructure:"additional_marker"`    // 追加存款标记（备注包含该子串即视为追加存款）
	GracePeriodDays    int            `mapstructure:"grace_period_days"`    // 预约宽限期（天），全局默认
	ProductGraceDays   map[string]int `mapstructure:"product_grace_days"`   // 按产品覆盖宽限期
	MaxRetryCount      int            `mapstructure:"max_retry_count"`      // 重算/消息投递最大重试次数
	TrashRetentionDays int            `mapstructure:"trash_retention_days"` // 回收站保留天数，到期物理删除
	BonusMinAmount     int64          `mapstructure:"bonus_min_amount"`     // 计入奖金的新存客户最低合计金额
	Timezone           string         `mapstructure:"timezone"`             // 自然日/宽限期比较使用的时区
}

// GraceDays 返回某产品的宽限期天数（按产品覆盖优先）
func (c *BusinessConfig) GraceDays(productID string) int {
	if days, ok := c.ProductGraceDays[productID]; ok {
		return days
	}
	return c.GracePeriodDays
}

// Location 返回业务时区，解析失败时退回本地时区
func (c *BusinessConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("时区配置无效: %s，使用本地时区", c.Timezone)
		return time.Local
	}
	return loc
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	GlobalConfig = config
	return config
}

func applyDefaults(c *Config) {
	if c.Business.MaxRetryCount <= 0 {
		c.Business.MaxRetryCount = 3
	}
	if c.Business.GracePeriodDays <= 0 {
		c.Business.GracePeriodDays = 30
	}
	if c.Business.TrashRetentionDays <= 0 {
		c.Business.TrashRetentionDays = 90
	}
}
