// Package kube implements the durable timer substrate on Kubernetes.
//
// A registered instance is a ConfigMap holding the workflow document. Starting
// it creates a batch Job whose pod runs `punctual dispatch` against the
// mounted document: the pod sleeps until the absolute wait timestamp and then
// invokes the target. The Job controller supplies the durability.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/workflow"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// DefinitionKey is the ConfigMap key holding the workflow document
	DefinitionKey = "definition.json"

	// MountPath is where the definition ConfigMap is mounted in the job pod
	MountPath = "/etc/punctual"

	RoleAnnotation = "punctual.io/role"
	InstanceLabel  = "punctual.io/instance"
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "punctual"

	containerName = "dispatch"
	volumeName    = "definition"
)

// Config controls where and how job pods are created
type Config struct {
	Namespace string `toml:"namespace"`
	Image     string `toml:"image"`

	// Path to a kubeconfig file. Empty means in-cluster configuration.
	Kubeconfig string `toml:"kubeconfig"`

	// Added to the remaining wait to bound the job's active deadline
	DeadlineSlack time.Duration `toml:"deadline_slack"`

	// Finished jobs are garbage collected after this long. Zero keeps them.
	TTLAfterFinished time.Duration `toml:"ttl_after_finished"`
}

// DefaultConfig returns the Kubernetes substrate defaults
func DefaultConfig() Config {
	return Config{
		Namespace:        "default",
		Image:            "punctual:latest",
		DeadlineSlack:    10 * time.Minute,
		TTLAfterFinished: time.Hour,
	}
}

// Validate checks the Kubernetes substrate configuration
func (c Config) Validate() error {
	if errs := validation.IsDNS1123Label(c.Namespace); len(errs) > 0 {
		return fmt.Errorf("namespace %q: %s", c.Namespace, strings.Join(errs, "; "))
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.DeadlineSlack <= 0 {
		return fmt.Errorf("deadline_slack must be positive, got %v", c.DeadlineSlack)
	}
	if c.TTLAfterFinished < 0 {
		return fmt.Errorf("ttl_after_finished cannot be negative, got %v", c.TTLAfterFinished)
	}
	return nil
}

// Substrate registers instances as ConfigMaps and starts them as Jobs
type Substrate struct {
	client kubernetes.Interface
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Kubernetes substrate
func New(client kubernetes.Interface, config Config, logger *slog.Logger) *Substrate {
	return &Substrate{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// NewClientset builds a clientset from the kubeconfig at path, or from the
// in-cluster service account when path is empty
func NewClientset(path string) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes configuration: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}

// ObjectName converts an instance name into a DNS-1123 label
func ObjectName(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	label := strings.Trim(b.String(), "-")
	if errs := validation.IsDNS1123Label(label); len(errs) > 0 {
		return "", fmt.Errorf("instance name %q: %s", name, strings.Join(errs, "; "))
	}
	return label, nil
}

// ValidateNamePrefix reports whether instance names generated with prefix
// convert to valid object names
func ValidateNamePrefix(prefix string) error {
	_, err := ObjectName(substrate.InstanceName(prefix, uuid.Nil.String()))
	return err
}

// RegisterDefinition implements substrate.Substrate
func (s *Substrate) RegisterDefinition(ctx context.Context, name string, document []byte, role string) (substrate.InstanceRef, error) {
	if _, err := workflow.ParseDocument(document); err != nil {
		return "", fmt.Errorf("malformed definition: %w", err)
	}

	objectName, err := ObjectName(name)
	if err != nil {
		return "", err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      objectName,
			Namespace: s.config.Namespace,
			Labels: map[string]string{
				ManagedByLabel: managedBy,
				InstanceLabel:  objectName,
			},
			Annotations: map[string]string{
				RoleAnnotation: role,
			},
		},
		Data: map[string]string{
			DefinitionKey: string(document),
		},
	}

	created, err := s.client.CoreV1().ConfigMaps(s.config.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}

	return instanceRef(created.Namespace, created.Name), nil
}

// Start implements substrate.Substrate
func (s *Substrate) Start(ctx context.Context, ref substrate.InstanceRef) (substrate.ExecutionRef, error) {
	namespace, name, err := splitRef(string(ref))
	if err != nil {
		return "", err
	}

	cm, err := s.client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", err
	}

	def, err := workflow.ParseDocument([]byte(cm.Data[DefinitionKey]))
	if err != nil {
		return "", fmt.Errorf("configmap %s: %w", ref, err)
	}

	job := s.buildJob(cm, def)
	created, err := s.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}

	s.logger.Debug("dispatch job created",
		"job", created.Name,
		"namespace", namespace,
		"wakeAt", def.WakeAt(),
		"activeDeadlineSeconds", *job.Spec.ActiveDeadlineSeconds)

	return substrate.ExecutionRef(namespace + "/" + created.Name), nil
}

func (s *Substrate) buildJob(cm *corev1.ConfigMap, def *workflow.Definition) *batchv1.Job {
	remaining := def.RunAt().Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	deadline := int64((remaining + s.config.DeadlineSlack).Seconds())
	backoffLimit := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cm.Name,
			Namespace: cm.Namespace,
			Labels: map[string]string{
				ManagedByLabel: managedBy,
				InstanceLabel:  cm.Name,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						ManagedByLabel: managedBy,
						InstanceLabel:  cm.Name,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: cm.Annotations[RoleAnnotation],
					Containers: []corev1.Container{
						{
							Name:  containerName,
							Image: s.config.Image,
							Args: []string{
								"dispatch",
								"--definition", MountPath + "/" + DefinitionKey,
								"--execution", cm.Namespace + "/" + cm.Name,
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: volumeName, MountPath: MountPath, ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: volumeName,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: cm.Name},
								},
							},
						},
					},
				},
			},
		},
	}

	if s.config.TTLAfterFinished > 0 {
		ttl := int32(s.config.TTLAfterFinished.Seconds())
		job.Spec.TTLSecondsAfterFinished = &ttl
	}

	return job
}

func instanceRef(namespace, name string) substrate.InstanceRef {
	return substrate.InstanceRef(namespace + "/" + name)
}

func splitRef(ref string) (string, string, error) {
	namespace, name, ok := strings.Cut(ref, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("malformed instance reference %q", ref)
	}
	return namespace, name, nil
}
