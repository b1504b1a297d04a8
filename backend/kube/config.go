package kube

import (
	"errors"
	"fmt"
)

// Config holds Kubernetes-specific backend configuration.
type Config struct {
	// Kubeconfig is the path to the kubeconfig file. Empty uses in-cluster
	// config.
	Kubeconfig string `mapstructure:"kubeconfig" yaml:"kubeconfig"`

	// Context is the kubeconfig context to use. Empty uses the current
	// context.
	Context string `mapstructure:"context" yaml:"context"`

	// Namespace is the namespace attempts run in. Defaults to "default".
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// ServiceAccount is the service account for attempt pods.
	ServiceAccount string `mapstructure:"service_account" yaml:"service_account"`

	// ImagePullPolicy controls when images are pulled: "Always",
	// "IfNotPresent", "Never".
	ImagePullPolicy string `mapstructure:"image_pull_policy" yaml:"image_pull_policy"`

	// ImagePullSecrets are names of secrets used for private registry auth.
	ImagePullSecrets []string `mapstructure:"image_pull_secrets" yaml:"image_pull_secrets"`

	// TTLAfterFinished is the seconds after a Job finishes before the cluster
	// cleans it up. Nil leaves cleanup to the scheduler.
	TTLAfterFinished *int32 `mapstructure:"ttl_after_finished" yaml:"ttl_after_finished"`

	// Shell interprets task commands inside the container.
	Shell string `mapstructure:"shell" yaml:"shell"`

	// DefaultImage runs tasks that declare no image of their own.
	DefaultImage string `mapstructure:"default_image" yaml:"default_image"`

	// WorkClaim is the PersistentVolumeClaim holding the shared work
	// directory. Empty falls back to hostPath mounts of each attempt's
	// output directory, for single-node clusters.
	WorkClaim string `mapstructure:"work_claim" yaml:"work_claim"`

	// WorkMountPath is where WorkClaim is mounted. Must match the work
	// directory the scheduler resolves paths under.
	WorkMountPath string `mapstructure:"work_mount_path" yaml:"work_mount_path"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ImagePullPolicy == "" {
		c.ImagePullPolicy = "IfNotPresent"
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
}

// Validate checks the Kubernetes configuration.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("kube: namespace is required")
	}
	switch c.ImagePullPolicy {
	case "Always", "IfNotPresent", "Never":
	default:
		return fmt.Errorf("kube: unsupported image_pull_policy %q", c.ImagePullPolicy)
	}
	if c.WorkClaim != "" && c.WorkMountPath == "" {
		return errors.New("kube: work_mount_path is required when work_claim is set")
	}
	return nil
}
