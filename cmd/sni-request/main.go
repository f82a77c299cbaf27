package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tetratelabs/log"
	"github.com/tetratelabs/telemetry"
	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/http-log/pkg/bios"
	"github.com/mt-inside/http-log/pkg/output"

	"github.com/mt-inside/sni-request/internal/build"
	"github.com/mt-inside/sni-request/pkg/executor"
	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/probes"
	"github.com/mt-inside/sni-request/pkg/state"
)

func init() {
	spew.Config.DisableMethods = true
	spew.Config.DisablePointerMethods = true
}

func main() {

	cmd := &cobra.Command{
		Use:     build.Name + " URL",
		Short:   "Make an HTTP(S) request to a name, connecting to an address of your choosing",
		Long:    longHelp,
		Version: build.Version,
		Args:    cobra.ExactArgs(1),
		Run:     appMain,
	}

	cmd.Flags().String("resolve", "", "IP address to connect to, instead of resolving the URL's host")
	cmd.Flags().String("dns-server", "", "Without --resolve, ask this DNS server (host[:port]) for an address")
	cmd.Flags().StringP("method", "X", "GET", "HTTP method")
	cmd.Flags().StringP("body", "d", "", "Request body")
	cmd.Flags().StringSliceP("req-header", "H", []string{}, "Extra request header, key=value. Repeatable")
	cmd.Flags().StringSliceP("ca", "C", []string{}, "Path to TLS server CA certificate file. Repeatable; replaces the system roots")
	cmd.Flags().StringP("cert", "c", "", "Path to TLS client certificate file")
	cmd.Flags().StringP("key", "k", "", "Path to TLS client key file")
	cmd.Flags().String("auth-bearer", "", "Path to file containing a bearer token")
	cmd.Flags().String("auth-basic", "", "Basic auth credentials, user:password")
	cmd.Flags().Bool("auth-kerberos", false, "Negotiate Kerberos auth")
	cmd.Flags().DurationP("timeout", "t", 10*time.Second, "Timeout for connecting, and separately for the exchange")
	cmd.Flags().Bool("dns", false, "Print what DNS thinks of the name and address (information only)")
	cmd.Flags().Bool("tls-full", false, "Print the serving cert chain")
	cmd.Flags().Bool("http-full", false, "Print all response headers")
	cmd.Flags().BoolP("body-print", "b", false, "Print the response body (elided)")
	cmd.Flags().Bool("body-full", false, "Print all of the response body")
	cmd.Flags().Bool("trace", false, "Print request state transitions")
	cmd.Flags().Bool("dump", false, "Dump the request description")
	cmd.Flags().BoolP("verbose", "v", false, "Debug logging")
	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		panic(errors.New("can't set up flags"))
	}
	viper.SetEnvPrefix("SNI_REQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	err = cmd.Execute()
	if err != nil {
		fmt.Println("error during execution:", err)
		os.Exit(2)
	}
}

func appMain(cmd *cobra.Command, args []string) {

	if viper.GetBool("verbose") {
		scope.UseLogger(log.NewUnstructured())
		scope.SetAllScopes(telemetry.LevelDebug)
	}

	s := output.NewTtyStyler(aurora.NewAurora(true))
	b := bios.NewTtyBios(s)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	rawURL := args[0]
	requestData := state.RequestDataFromViper(b)

	addr := viper.GetString("resolve")
	if addr == "" {
		addr = resolve(ctx, s, b, rawURL)
	}

	desc, err := requestData.Descriptor(rawURL, addr)
	b.CheckErr(err)
	target, err := desc.Target()
	b.CheckErr(err)

	if viper.GetBool("dump") {
		b.Banner("Request description")
		fmt.Print(spew.Sdump(target))
		fmt.Print(spew.Sdump(requestData))
	}

	if viper.GetBool("dns") {
		var r *probes.Resolver
		if server := viper.GetString("dns-server"); server != "" {
			r = probes.NewResolver(server, requestData.Timeout)
		} else {
			r, err = probes.NewSystemResolver(requestData.Timeout)
			b.CheckErr(err)
		}
		probes.DNSInfo(ctx, s, b, r, target.Identity, target.DialAddress)
	}

	responseData := state.NewResponseData()
	body, err := executor.Do(ctx, desc, requestData.ExecutorOptions(executor.WithTrace(responseData.Trace()))...)
	responseData.Complete(body, err)

	responseData.Print(s, b, requestData, target, state.PrintOptsFromViper())

	fmt.Println()

	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func resolve(ctx context.Context, s output.TtyStyler, b bios.Bios, rawURL string) string {
	server := viper.GetString("dns-server")
	if server == "" {
		b.CheckErr(errors.New("need an address to connect to: give --resolve, or --dns-server to look one up"))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		b.CheckErr(failure.New(failure.MalformedURL, err))
	}

	addr, err := probes.Resolve(ctx, server, u.Hostname(), viper.GetDuration("timeout"))
	b.CheckErr(err)
	b.PrintInfo(fmt.Sprintf("%s resolved to %s by %s", s.Addr(u.Hostname()), s.Addr(addr.String()), s.Addr(server)))

	return addr.String()
}
