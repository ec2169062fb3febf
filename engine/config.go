package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"
)

const (
	ForbidRuntimeChange uint8 = 1 << iota
	NeedEngineReConfig
	NeedRestartWatch
	NeedLoadWaitList
)

type Config struct {
	AutoStart             bool          `yaml:"AutoStart"`
	DisableTrackers       bool          `yaml:"DisableTrackers"`
	DownloadDirectory     string        `yaml:"DownloadDirectory"`
	WatchDirectory        string        `yaml:"WatchDirectory"`
	StateDirectory        string        `yaml:"StateDirectory"`
	EnableUpload          bool          `yaml:"EnableUpload"`
	EnableSeeding         bool          `yaml:"EnableSeeding"`
	VerifyOnRestore       bool          `yaml:"VerifyOnRestore"`
	IncomingPort          int           `yaml:"IncomingPort"`
	UploadRate            string        `yaml:"UploadRate"`
	DownloadRate          string        `yaml:"DownloadRate"`
	MaxPeers              int           `yaml:"MaxPeers"`
	PipelineDepth         int           `yaml:"PipelineDepth"`
	MaxInflight           int           `yaml:"MaxInflight"`
	EndgameThreshold      int           `yaml:"EndgameThreshold"`
	RequestTimeout        time.Duration `yaml:"RequestTimeout"`
	AnnounceNumWant       int           `yaml:"AnnounceNumWant"`
	PeerSeeds             []string      `yaml:"PeerSeeds"`
	MaxConcurrentTask     int           `yaml:"MaxConcurrentTask"`
	AllowRuntimeConfigure bool          `yaml:"AllowRuntimeConfigure"`
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName("pytorrent")
	viper.AddConfigPath("/etc/pytorrent/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath("$HOME/.pytorrent")
	viper.AddConfigPath(".")

	viper.SetDefault("DownloadDirectory", "./downloads")
	viper.SetDefault("WatchDirectory", "./torrents")
	viper.SetDefault("StateDirectory", "./state")
	viper.SetDefault("EnableUpload", true)
	viper.SetDefault("EnableSeeding", true)
	viper.SetDefault("VerifyOnRestore", false)
	viper.SetDefault("AutoStart", true)
	viper.SetDefault("IncomingPort", 50007)
	viper.SetDefault("MaxPeers", 50)
	viper.SetDefault("PipelineDepth", 5)
	viper.SetDefault("MaxInflight", 64)
	viper.SetDefault("EndgameThreshold", 16)
	viper.SetDefault("RequestTimeout", "30s")
	viper.SetDefault("AnnounceNumWant", 50)
	viper.SetDefault("PeerSeeds", []string{})
	viper.SetDefault("MaxConcurrentTask", 0)
	viper.SetDefault("AllowRuntimeConfigure", true)

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			configExists = false
			if specPath == "" {
				specPath = "./pytorrent.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	viper.Unmarshal(c)

	dirChanged, err := c.NormlizeConfigDir()
	if err != nil {
		return nil, err
	}
	if dirChanged {
		viper.Set("DownloadDirectory", c.DownloadDirectory)
		viper.Set("WatchDirectory", c.WatchDirectory)
		viper.Set("StateDirectory", c.StateDirectory)
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists || dirChanged {
		c.WriteYaml()
		log.Println("[config] config file written: ", cf, "exists:", configExists, "dirchanged", dirChanged)
	}

	return c, nil
}

func (c *Config) NormlizeConfigDir() (bool, error) {
	var changed bool
	for _, dir := range []*string{&c.DownloadDirectory, &c.WatchDirectory, &c.StateDirectory} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return false, fmt.Errorf("ERROR: Invalid path %s, %w", *dir, err)
		}
		if *dir != abs {
			changed = true
			*dir = abs
		}
	}
	return changed, nil
}

func (c *Config) UploadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.UploadRate)
	if err != nil {
		c.UploadRate = ""
		log.Printf("RateLimit [%s] unreconized, set as unlimited", c.UploadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) DownloadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.DownloadRate)
	if err != nil {
		c.DownloadRate = ""
		log.Printf("RateLimit [%s] unreconized, set as unlimited", c.DownloadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) Validate(nc *Config) uint8 {

	var status uint8

	if c.StateDirectory != nc.StateDirectory {
		status |= ForbidRuntimeChange
	}
	if c.WatchDirectory != nc.WatchDirectory {
		status |= NeedRestartWatch
	}
	if c.MaxConcurrentTask < nc.MaxConcurrentTask {
		status |= NeedLoadWaitList
	}

	rfc := reflect.ValueOf(c)
	rfnc := reflect.ValueOf(nc)

	for _, field := range []string{"IncomingPort", "DownloadDirectory",
		"EnableUpload", "EnableSeeding", "VerifyOnRestore", "UploadRate", "DownloadRate",
		"MaxPeers", "PipelineDepth", "MaxInflight", "EndgameThreshold",
		"RequestTimeout", "DisableTrackers", "PeerSeeds"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if !reflect.DeepEqual(cval.Interface(), ncval.Interface()) {
			status |= NeedEngineReConfig
			break
		}
	}

	return status
}

func (c *Config) SyncViper(nc Config) {
	cv := reflect.ValueOf(*c)
	nv := reflect.ValueOf(nc)
	typeOfC := cv.Type()
	for i := 0; i < typeOfC.NumField(); i++ {
		if !reflect.DeepEqual(cv.Field(i).Interface(), nv.Field(i).Interface()) {
			name := typeOfC.Field(i).Name
			oval := cv.Field(i).Interface()
			val := nv.Field(i).Interface()
			viper.Set(name, val)
			log.Println("config updated ", name, ": ", oval, " -> ", val)
		}
	}
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, d, 0666)
}
