// Package networkpolicy derives namespace-scoped Kubernetes
// NetworkPolicies, namespace manifests with Pod Security Admission
// labels, and hardened pod securityContext templates from a resolved
// SecurityConfig (spec §4.5, C5).
package networkpolicy

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
)

const (
	managedByLabel  = "app.kubernetes.io/managed-by"
	managedByValue  = "floe"
	domainLabel     = "floe.dev/domain"
	sourceHashLabel = "floe.dev/source-hash"

	kubeSystemNamespace = "kube-system"
	platformNamespace   = "floe-platform"
)

// NamespaceKind distinguishes the two managed namespace roles named in
// spec §4.5: the shared platform namespace and per-domain jobs
// namespaces.
type NamespaceKind string

const (
	NamespacePlatform NamespaceKind = "platform"
	NamespaceJobs     NamespaceKind = "jobs"
)

// NamespaceSpec is one namespace the generator must produce objects
// for: the platform namespace, and one jobs namespace per domain.
type NamespaceSpec struct {
	Name   string
	Kind   NamespaceKind
	Domain string // non-empty for per-domain jobs namespaces
}

// Bundle is everything generated for a single namespace.
type Bundle struct {
	Namespace                *corev1.Namespace
	DefaultDeny               *networkingv1.NetworkPolicy
	EgressAllow               *networkingv1.NetworkPolicy
	IngressAllow              *networkingv1.NetworkPolicy // platform only
	PodSecurityContext        *corev1.PodSecurityContext        // jobs only
	ContainerSecurityContext  *corev1.SecurityContext           // jobs only
	WritablePathVolumes       []corev1.Volume                   // jobs only
	WritablePathMounts        []corev1.VolumeMount               // jobs only, paired 1:1 with WritablePathVolumes
}

// Result is the Generate contract's return value: per-namespace
// objects plus a human-facing summary (spec §4.5 Contract).
type Result struct {
	Namespaces map[string]Bundle
	Summary    string
}

// builtinJobsEgress are the fixed platform-service egress allowances
// for job workloads (spec §4.5 "Built-ins for jobs").
func builtinJobsEgress() []schema.EgressAllowRule {
	return []schema.EgressAllowRule{
		{Name: "polaris-catalog", ToNamespace: platformNamespace, Port: 8181, Protocol: "TCP"},
		{Name: "otel-grpc", ToNamespace: platformNamespace, Port: 4317, Protocol: "TCP"},
		{Name: "otel-http", ToNamespace: platformNamespace, Port: 4318, Protocol: "TCP"},
		{Name: "object-store", ToNamespace: platformNamespace, Port: 9000, Protocol: "TCP"},
	}
}

// Generate derives all K8s objects for the given namespaces from a
// resolved SecurityConfig, plus a summary Markdown document.
func Generate(sec schema.SecurityConfig, namespaces []NamespaceSpec, sourceHash string) (*Result, error) {
	if len(namespaces) == 0 {
		return nil, ferrors.NewNetworkValidationError("no managed namespaces supplied")
	}

	result := &Result{Namespaces: map[string]Bundle{}}
	for _, ns := range namespaces {
		bundle, err := generateNamespace(sec, ns, sourceHash)
		if err != nil {
			return nil, err
		}
		result.Namespaces[ns.Name] = bundle
	}

	summary, err := renderSummary(sec, namespaces)
	if err != nil {
		return nil, err
	}
	result.Summary = summary
	return result, nil
}

func generateNamespace(sec schema.SecurityConfig, ns NamespaceSpec, sourceHash string) (Bundle, error) {
	labels := baseLabels(ns, sourceHash)

	enforce := "baseline"
	if ns.Kind == NamespaceJobs {
		enforce = "restricted"
	}
	if sec.PodSecurity != "" {
		enforce = sec.PodSecurity
	}

	nsObj := &corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{Kind: "Namespace", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{Name: ns.Name, Labels: psaLabels(labels, enforce)},
	}

	bundle := Bundle{Namespace: nsObj}

	if !sec.NetworkPolicies.Enabled {
		return bundle, nil
	}

	bundle.DefaultDeny = defaultDenyPolicy(ns, labels)
	bundle.EgressAllow = egressAllowPolicy(sec, ns, labels)
	if ns.Kind == NamespacePlatform {
		bundle.IngressAllow = ingressAllowPolicy(sec, ns, labels)
	}
	if ns.Kind == NamespaceJobs {
		bundle.PodSecurityContext = hardenedPodSecurityContext()
		bundle.ContainerSecurityContext = hardenedContainerSecurityContext()
		bundle.WritablePathVolumes, bundle.WritablePathMounts = writablePathVolumes(sec.WritablePaths)
	}
	return bundle, nil
}

func baseLabels(ns NamespaceSpec, sourceHash string) map[string]string {
	labels := map[string]string{
		managedByLabel:  managedByValue,
		sourceHashLabel: sourceHash,
	}
	if ns.Domain != "" {
		labels[domainLabel] = ns.Domain
	}
	return labels
}

func psaLabels(base map[string]string, enforce string) map[string]string {
	out := make(map[string]string, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	out["pod-security.kubernetes.io/enforce"] = enforce
	out["pod-security.kubernetes.io/audit"] = "restricted"
	out["pod-security.kubernetes.io/warn"] = "restricted"
	return out
}

// defaultDenyPolicy emits the namespace-wide default-deny policy,
// always including the non-configurable DNS egress rule (I6).
func defaultDenyPolicy(ns NamespaceSpec, labels map[string]string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{Kind: "NetworkPolicy", APIVersion: "networking.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: "default-deny", Namespace: ns.Name, Labels: labels},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Egress:      []networkingv1.NetworkPolicyEgressRule{dnsEgressRule()},
		},
	}
}

// dnsEgressRule is I6: UDP/53 to kube-system, present in every
// default-deny set, never configurable.
func dnsEgressRule() networkingv1.NetworkPolicyEgressRule {
	udp := corev1.ProtocolUDP
	port := intstr.FromInt32(53)
	return networkingv1.NetworkPolicyEgressRule{
		To: []networkingv1.NetworkPolicyPeer{
			{NamespaceSelector: namespaceNameSelector(kubeSystemNamespace)},
		},
		Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &port}},
	}
}

func namespaceNameSelector(name string) *metav1.LabelSelector {
	return &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": name}}
}

type egressKey struct {
	target   string
	protocol string
}

// egressAllowPolicy aggregates built-in rules, user-supplied rules, and
// (if enabled) the external-HTTPS escape hatch, coalescing overlapping
// (target, protocol) pairs into a single rule with a port list (spec
// §4.5 "Merging").
func egressAllowPolicy(sec schema.SecurityConfig, ns NamespaceSpec, labels map[string]string) *networkingv1.NetworkPolicy {
	var rules []schema.EgressAllowRule
	if ns.Kind == NamespaceJobs {
		rules = append(rules, builtinJobsEgress()...)
		rules = append(rules, sec.NetworkPolicies.JobsEgressAllow...)
		if sec.NetworkPolicies.AllowExternalHTTPS {
			rules = append(rules, schema.EgressAllowRule{Name: "external-https", ToCIDR: "0.0.0.0/0", Port: 443, Protocol: "TCP"})
		}
	} else {
		rules = append(rules, sec.NetworkPolicies.PlatformEgressAllow...)
		if sec.NetworkPolicies.AllowExternalHTTPS {
			rules = append(rules, schema.EgressAllowRule{Name: "external-https", ToCIDR: "0.0.0.0/0", Port: 443, Protocol: "TCP"})
		}
	}

	coalesced := map[egressKey][]int32{}
	order := []egressKey{}
	targetOf := map[egressKey]schema.EgressAllowRule{}
	for _, r := range rules {
		target := r.ToNamespace
		if target == "" {
			target = r.ToCIDR
		}
		k := egressKey{target: target, protocol: r.Protocol}
		if _, seen := coalesced[k]; !seen {
			order = append(order, k)
			targetOf[k] = r
		}
		coalesced[k] = append(coalesced[k], int32(r.Port))
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].target != order[j].target {
			return order[i].target < order[j].target
		}
		return order[i].protocol < order[j].protocol
	})

	var egress []networkingv1.NetworkPolicyEgressRule
	for _, k := range order {
		sample := targetOf[k]
		proto := corev1.Protocol(k.protocol)
		var ports []networkingv1.NetworkPolicyPort
		for _, p := range coalesced[k] {
			port := intstr.FromInt32(p)
			ports = append(ports, networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &port})
		}
		var peer networkingv1.NetworkPolicyPeer
		if sample.ToNamespace != "" {
			peer = networkingv1.NetworkPolicyPeer{NamespaceSelector: namespaceNameSelector(sample.ToNamespace)}
		} else {
			peer = networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: sample.ToCIDR}}
		}
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{To: []networkingv1.NetworkPolicyPeer{peer}, Ports: ports})
	}
	egress = append(egress, dnsEgressRule())

	return &networkingv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{Kind: "NetworkPolicy", APIVersion: "networking.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: "egress-allow", Namespace: ns.Name, Labels: labels},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
}

// ingressAllowPolicy permits traffic into the platform namespace from
// the configured ingress-controller namespace plus intra-namespace
// traffic (spec §4.5).
func ingressAllowPolicy(sec schema.SecurityConfig, ns NamespaceSpec, labels map[string]string) *networkingv1.NetworkPolicy {
	ingressNS := sec.NetworkPolicies.IngressControllerNamespace
	var peers []networkingv1.NetworkPolicyPeer
	if ingressNS != "" {
		peers = append(peers, networkingv1.NetworkPolicyPeer{NamespaceSelector: namespaceNameSelector(ingressNS)})
	}
	peers = append(peers, networkingv1.NetworkPolicyPeer{
		NamespaceSelector: namespaceNameSelector(ns.Name),
	})

	return &networkingv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{Kind: "NetworkPolicy", APIVersion: "networking.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: "ingress-allow", Namespace: ns.Name, Labels: labels},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress:     []networkingv1.NetworkPolicyIngressRule{{From: peers}},
		},
	}
}

func hardenedPodSecurityContext() *corev1.PodSecurityContext {
	runAsNonRoot := true
	uid := int64(1000)
	seccomp := corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
	return &corev1.PodSecurityContext{
		RunAsNonRoot:   &runAsNonRoot,
		RunAsUser:      &uid,
		SeccompProfile: &seccomp,
	}
}

func hardenedContainerSecurityContext() *corev1.SecurityContext {
	allowEscalation := false
	readOnlyRoot := true
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: &allowEscalation,
		ReadOnlyRootFilesystem:   &readOnlyRoot,
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
	}
}

// writablePathVolumes backs one emptyDir volume (and its matching mount
// at the configured path) per security.writable_paths entry, so jobs
// can write there despite the hardened read-only root filesystem (spec
// §4.5 "hardened securityContext... plus emptyDir mounts for
// writable_paths").
func writablePathVolumes(paths []string) ([]corev1.Volume, []corev1.VolumeMount) {
	volumes := make([]corev1.Volume, 0, len(paths))
	mounts := make([]corev1.VolumeMount, 0, len(paths))
	for i, p := range paths {
		name := fmt.Sprintf("writable-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name:         name,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: p})
	}
	return volumes, mounts
}

// Objects flattens a Bundle into the ordered list Generate's contract
// promises per namespace (Namespace, then policies).
func (b Bundle) Objects() []runtime.Object {
	var objs []runtime.Object
	if b.Namespace != nil {
		objs = append(objs, b.Namespace)
	}
	if b.DefaultDeny != nil {
		objs = append(objs, b.DefaultDeny)
	}
	if b.EgressAllow != nil {
		objs = append(objs, b.EgressAllow)
	}
	if b.IngressAllow != nil {
		objs = append(objs, b.IngressAllow)
	}
	return objs
}

const summaryTemplate = `# Network Policy Summary

{{range .Namespaces}}
## {{.Name}} ({{.Kind}})
{{end}}
`

func renderSummary(sec schema.SecurityConfig, namespaces []NamespaceSpec) (string, error) {
	tmpl, err := template.New("summary").Parse(summaryTemplate)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to parse summary template")
	}
	var b strings.Builder
	data := struct{ Namespaces []NamespaceSpec }{Namespaces: namespaces}
	if err := tmpl.Execute(&b, data); err != nil {
		return "", ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to render summary")
	}
	return b.String(), nil
}
