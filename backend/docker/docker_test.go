package docker

import (
	"strings"
	"testing"

	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

func TestContainerName(t *testing.T) {
	r := &task.Resolved{TaskID: "align", Key: "s1/a b"}
	name := containerName(r)
	if !strings.HasPrefix(name, "flowrun-align-s1-a-b-") {
		t.Fatalf("unexpected name: %s", name)
	}
	if strings.ContainsAny(name, "/ ") {
		t.Fatalf("name must be sanitized: %s", name)
	}
}

func TestBuildConfigs(t *testing.T) {
	cfg := &Config{Binds: []string{"/data:/data:ro"}, Network: "pipeline-net"}
	cfg.ApplyDefaults()
	runner := &Runner{cfg: cfg, defaultLabels: map[string]string{"team": "rnaseq"}, log: logger.Nop()}

	resolved := &task.Resolved{
		TaskID:    "align",
		Key:       "s1",
		Command:   "align -o out.bam reads.fq",
		OutputDir: "/work/align/s1",
	}
	res := task.Resources{CPU: 2e9, Memory: 4 << 30}

	containerCfg, hostCfg, networkCfg, _ := runner.buildConfigs(resolved, res, "biotools:1.2")

	if containerCfg.Image != "biotools:1.2" {
		t.Fatalf("image = %s", containerCfg.Image)
	}
	if len(containerCfg.Cmd) != 3 || containerCfg.Cmd[2] != resolved.Command {
		t.Fatalf("unexpected cmd: %v", containerCfg.Cmd)
	}
	if containerCfg.Labels["managed-by"] != "flowrun" || containerCfg.Labels["team"] != "rnaseq" {
		t.Fatalf("unexpected labels: %v", containerCfg.Labels)
	}
	if containerCfg.Labels["flowrun.key"] != "s1" {
		t.Fatalf("key label missing: %v", containerCfg.Labels)
	}

	if hostCfg.NanoCPUs != 2e9 || hostCfg.Memory != 4<<30 {
		t.Fatalf("resources not applied: cpu=%d mem=%d", hostCfg.NanoCPUs, hostCfg.Memory)
	}
	if hostCfg.Binds[0] != "/work/align/s1:/work/align/s1:rw" {
		t.Fatalf("output dir must be bind-mounted: %v", hostCfg.Binds)
	}
	if hostCfg.Binds[1] != "/data:/data:ro" {
		t.Fatalf("configured binds must be kept: %v", hostCfg.Binds)
	}

	if networkCfg == nil || networkCfg.EndpointsConfig["pipeline-net"] == nil {
		t.Fatal("custom network must be attached")
	}
}

func TestConfig_Validate(t *testing.T) {
	c := &Config{TLS: &TLSConfig{CACert: "ca.pem"}}
	c.ApplyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for incomplete TLS config")
	}

	c = &Config{}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Host != "unix:///var/run/docker.sock" || c.Shell != "/bin/sh" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
