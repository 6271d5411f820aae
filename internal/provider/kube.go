package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// KubeConfig carries the settings for pod-backed instances.
type KubeConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	Image      string `yaml:"image"`
}

// Kube implements Provider by scheduling one pod per instance in a
// dedicated namespace. Pods have no SSH daemon, so remote commands go
// through the Kubernetes exec subresource instead of a shell channel.
type Kube struct {
	cfg        KubeConfig
	restConfig *restclient.Config
	clientset  kubernetes.Interface
}

// NewKube builds a Kube provider from a kubeconfig path.
func NewKube(cfg KubeConfig) (*Kube, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "clawd-hosts"
	}
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	return &Kube{cfg: cfg, restConfig: restConfig, clientset: clientset}, nil
}

func (k *Kube) Kind() Kind { return KindKube }

// CreateInstance creates one host pod. The secret is empty: access goes
// through the API server's exec subresource.
func (k *Kube) CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.Name,
			Namespace: k.cfg.Namespace,
			Labels: map[string]string{
				"app":  "clawd-host",
				"size": cfg.Type,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "host",
				Image:   k.cfg.Image,
				Command: []string{"sleep", "infinity"},
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("250m"),
						corev1.ResourceMemory: resource.MustParse("512Mi"),
					},
				},
			}},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, "", k.classify("create pod", err)
	}
	return k.toInstance(created), "", nil
}

// GetInstance retrieves the pod backing an instance.
func (k *Kube) GetInstance(ctx context.Context, id string) (*Instance, error) {
	pod, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return nil, k.classify("get pod", err)
	}
	return k.toInstance(pod), nil
}

// GetInstanceByName is identical to GetInstance: pod names are the ids.
func (k *Kube) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	return k.GetInstance(ctx, name)
}

// DeleteInstance deletes the pod.
func (k *Kube) DeleteInstance(ctx context.Context, id string) error {
	policy := metav1.DeletePropagationForeground
	err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, id, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		return k.classify("delete pod", err)
	}
	return nil
}

// RunCommand executes one command in the host container through the exec
// subresource and returns its combined output and exit code.
func (k *Kube) RunCommand(ctx context.Context, id, command string) (string, int, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(id).
		Namespace(k.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "host",
			Command:   []string{"/bin/sh", "-c", command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return "", 0, fmt.Errorf("failed to create executor: %w", err)
	}

	var out bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		var exitErr utilexec.CodeExitError
		if errors.As(err, &exitErr) {
			return out.String(), exitErr.Code, nil
		}
		return out.String(), 0, k.classify("pod exec", err)
	}
	return out.String(), 0, nil
}

func (k *Kube) toInstance(pod *corev1.Pod) *Instance {
	return &Instance{
		Provider:  KindKube,
		ID:        pod.Name,
		Name:      pod.Name,
		Addr:      pod.Status.PodIP,
		Status:    kubeStatus(pod.Status.Phase),
		Type:      pod.Labels["size"],
		Region:    pod.Namespace,
		CreatedAt: pod.CreationTimestamp.Time,
	}
}

func kubeStatus(phase corev1.PodPhase) string {
	switch phase {
	case corev1.PodPending:
		return StatusStarting
	case corev1.PodRunning:
		return StatusRunning
	case corev1.PodSucceeded:
		return StatusStopped
	case corev1.PodFailed:
		return StatusError
	}
	return StatusCreating
}

func (k *Kube) classify(op string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return ErrNotFound
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err):
		return NewTransient(op, err)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err), apierrors.IsInvalid(err):
		return NewTerminal(op, err)
	}
	if looksLikeTimeout(err) {
		return NewTransient(op, err)
	}
	return NewTransient(op, err)
}
