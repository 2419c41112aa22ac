/*
MIT License

Copyright (c) 2023-2025 Norihiro Seto

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"io"
	"os"
	"reflect"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	nodetaintpreserver "github.com/norseto/node-taint-preserver"
	"github.com/norseto/node-taint-preserver/internal/config"
	"github.com/norseto/node-taint-preserver/internal/controller"
	"github.com/norseto/node-taint-preserver/internal/reconciler"
	"github.com/norseto/node-taint-preserver/internal/scheduler"
	"github.com/norseto/node-taint-preserver/internal/storage"
	//+kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

type cliConfig struct {
	metricsAddr          string
	probeAddr            string
	secureMetrics        bool
	enableLeaderElection bool
	enableHTTP2          bool
	zapOptions           zap.Options
}

type managerFacade interface {
	AddHealthzCheck(name string, check healthz.Checker) error
	AddReadyzCheck(name string, check healthz.Checker) error
	Start(ctx context.Context) error
}

// reconcilerWithSetup is the narrow surface main needs from the Node
// controller: just enough to wire it into a Manager.
type reconcilerWithSetup interface {
	SetupWithManager(mgr ctrl.Manager) error
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func disableHTTP2(logger logr.Logger) func(*tls.Config) {
	return func(c *tls.Config) {
		logger.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("node-taint-preserver", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := cliConfig{
		metricsAddr: ":8080",
		probeAddr:   ":8081",
		zapOptions: zap.Options{
			Development: false,
		},
	}

	fs.BoolVar(&cfg.secureMetrics, "metrics-secure", false, "If set the metrics endpoint is served securely")
	fs.BoolVar(&cfg.enableHTTP2, "enable-http2", false, "If HTTP/2 should be enabled for the metrics and webhook servers.")
	fs.StringVar(&cfg.metricsAddr, "metrics-bind-address", cfg.metricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&cfg.probeAddr, "health-probe-bind-address", cfg.probeAddr, "The address the probe endpoint binds to.")
	fs.BoolVar(&cfg.enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	cfg.zapOptions.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			setupLog.Error(err, "failed to parse flags")
		}
		return 2
	}

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&cfg.zapOptions)))

	ctrl.Log.Info("Starting node-taint-preserver", "version", nodetaintpreserver.RELEASE_VERSION,
		"GitVersion", nodetaintpreserver.GitVersion)

	var tlsOpts []func(*tls.Config)
	if !cfg.enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2(setupLog))
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	metricsServerOptions := buildMetricsOptions(cfg.secureMetrics, tlsOpts, cfg.metricsAddr)

	restCfg, err := getConfigFn()
	if err != nil {
		setupLog.Error(err, "unable to get Kubernetes configuration")
		return 1
	}

	managerOpts := ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: cfg.probeAddr,
		WebhookServer:          webhookServer,
		LeaderElection:         cfg.enableLeaderElection,
		LeaderElectionID:       "nodetaintpreserver.example.com",
	}

	facade, _, err := managerFactory(restCfg, managerOpts)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return 1
	}

	if facade == nil {
		setupLog.Error(errors.New("manager facade is nil"), "unable to start manager")
		return 1
	}

	if controllerSetupFn != nil {
		if err := controllerSetupFn(facade); err != nil {
			setupLog.Error(err, "unable to create controller", "controller", "Node")
			return 1
		}
	}

	if err := facade.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return 1
	}
	if err := facade.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return 1
	}

	setupLog.Info("starting manager")
	handler := signalHandlerFn
	if handler == nil {
		handler = ctrl.SetupSignalHandler
	}
	ctx := handler()
	if err := facade.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return 1
	}

	return 0
}

var (
	getConfigFn       = ctrl.GetConfig
	managerFactory    = defaultManagerFactory
	controllerSetupFn = defaultControllerSetup
	signalHandlerFn   = ctrl.SetupSignalHandler
	newManagerFn      = ctrl.NewManager
	exitFunc          = os.Exit

	// newNodeReconcilerFn builds the Node controller once the Scheduler it
	// forwards events to is ready. Overridable so tests can avoid touching
	// a real manager.
	newNodeReconcilerFn = func(mgr ctrl.Manager, sched controller.Enqueuer) reconcilerWithSetup {
		return &controller.NodeReconciler{
			Client:    mgr.GetClient(),
			Scheme:    mgr.GetScheme(),
			Scheduler: sched,
		}
	}
)

func defaultManagerFactory(cfg *rest.Config, opts ctrl.Options) (managerFacade, ctrl.Manager, error) {
	mgr, err := newManagerFn(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return mgr, mgr, nil
}

func defaultControllerSetup(f managerFacade) error {
	mgr, ok := any(f).(ctrl.Manager)
	if !ok {
		return errors.New("controller manager unavailable")
	}
	if v := reflect.ValueOf(mgr); mgr == nil || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return errors.New("controller manager is nil")
	}

	cfg := config.FromEnv()
	store := storage.NewStore(mgr.GetClient(), mgr.GetEventRecorderFor("node-taint-preserver"), cfg.ConfigMapNamespace)
	rec := &reconciler.Reconciler{
		Store:                  store,
		ExtraProtectedPrefixes: cfg.ExtraProtectedPrefixes,
		CleanupTimeout:         cfg.CleanupTimeout,
	}
	sched := scheduler.New(rec, cfg.Workers, cfg.ResyncInterval, controller.NewNodeLister(mgr.GetClient()))

	if err := mgr.Add(sched); err != nil {
		return err
	}

	return newNodeReconcilerFn(mgr, sched).SetupWithManager(mgr)
}

func buildMetricsOptions(secure bool, tlsOpts []func(*tls.Config), bind string) metricsserver.Options {
	options := metricsserver.Options{
		BindAddress:   bind,
		SecureServing: secure,
		TLSOpts:       tlsOpts,
	}

	if secure {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		options.FilterProvider = filters.WithAuthenticationAndAuthorization

		// TODO(user): If CertDir, CertName, and KeyName are not specified, controller-runtime will automatically
		// generate self-signed certificates for the metrics server. While convenient for development and testing,
		// this setup is not recommended for production.
	}

	return options
}

func main() {
	if exitCode := run(os.Args[1:]); exitCode != 0 {
		exitFunc(exitCode)
	}
}
