package engine

import (
	"reflect"
	"testing"

	"golang.org/x/time/rate"
)

func TestConfigValidate(t *testing.T) {
	base := Config{
		DownloadDirectory: "/dl",
		WatchDirectory:    "/watch",
		StateDirectory:    "/state",
		IncomingPort:      50007,
		MaxConcurrentTask: 2,
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   uint8
	}{
		{"unchanged", func(c *Config) {}, 0},
		{"state dir", func(c *Config) { c.StateDirectory = "/other" }, ForbidRuntimeChange},
		{"watch dir", func(c *Config) { c.WatchDirectory = "/other" }, NeedRestartWatch},
		{"port", func(c *Config) { c.IncomingPort = 50008 }, NeedEngineReConfig},
		{"seeds", func(c *Config) { c.PeerSeeds = []string{"10.0.0.1:6881"} }, NeedEngineReConfig},
		{"more tasks", func(c *Config) { c.MaxConcurrentTask = 5 }, NeedLoadWaitList},
		{"fewer tasks", func(c *Config) { c.MaxConcurrentTask = 1 }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := base
			tt.mutate(&nc)
			if got := base.Validate(&nc); got != tt.want {
				t.Errorf("Validate() = %b, want %b", got, tt.want)
			}
		})
	}
}

func Test_rateLimiter(t *testing.T) {
	type args struct {
		rstr string
	}
	tests := []struct {
		name    string
		args    args
		want    *rate.Limiter
		wantErr bool
	}{
		{"low", args{"LOW"}, rate.NewLimiter(rate.Limit(50000), 50000*3), false},
		{"case", args{"LoW"}, rate.NewLimiter(rate.Limit(50000), 50000*3), false},
		{"err", args{"fake"}, nil, true},
		{"unit", args{"10kb"}, rate.NewLimiter(rate.Limit(10240), 10240*3), false},
		{"unit", args{"100kb"}, rate.NewLimiter(rate.Limit(102400), 102400*3), false},
		{"unit", args{"100 kb"}, rate.NewLimiter(rate.Limit(102400), 102400*3), false},
		{"inf", args{"0"}, rate.NewLimiter(rate.Inf, 0), false},
		{"inf", args{""}, rate.NewLimiter(rate.Inf, 0), false},

		// TODO: Add test cases.
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rateLimiter(tt.args.rstr)
			if (err != nil) != tt.wantErr {
				t.Errorf("rateLimiter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("rateLimiter() = %v, want %v", got, tt.want)
			}
		})
	}
}
