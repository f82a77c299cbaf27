package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/logrusorgru/aurora/v3"
	dmp "github.com/sergi/go-diff/diffmatchpatch"
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
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/state"
)

func main() {

	cmd := &cobra.Command{
		Use:     "compare URL reference-ip new-ip",
		Short:   "Send the same request to two addresses, as the same host, and diff the answers",
		Version: build.Version,
		Args:    cobra.ExactArgs(3),
		Run:     appMain,
	}

	cmd.Flags().StringP("method", "X", "GET", "HTTP method")
	cmd.Flags().StringP("body", "d", "", "Request body")
	cmd.Flags().StringSliceP("req-header", "H", []string{}, "Extra request header, key=value. Repeatable")
	cmd.Flags().StringSliceP("ca", "C", []string{}, "Path to TLS server CA certificate file. Repeatable")
	cmd.Flags().StringP("cert", "c", "", "Path to TLS client certificate file")
	cmd.Flags().StringP("key", "k", "", "Path to TLS client key file")
	cmd.Flags().String("auth-bearer", "", "Path to file containing a bearer token")
	cmd.Flags().String("auth-basic", "", "Basic auth credentials, user:password")
	cmd.Flags().Bool("auth-kerberos", false, "Negotiate Kerberos auth")
	cmd.Flags().BoolP("print-body", "b", false, "Print the new address's response body")
	cmd.Flags().Bool("dns", false, "Print what DNS thinks of the name and both addresses (information only)")
	cmd.Flags().DurationP("timeout", "t", 5*time.Second, "Timeout for each individual network operation")
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

type outcome struct {
	body []byte
	err  error
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

	refDesc, err := requestData.Descriptor(rawURL, args[1])
	b.CheckErr(err)
	newDesc, err := requestData.Descriptor(rawURL, args[2])
	b.CheckErr(err)
	target, err := refDesc.Target()
	b.CheckErr(err)

	/* Begin */

	fmt.Printf("Testing new address %v against reference %v, as %v\n",
		s.Addr(newDesc.ResolvedAddress().String()),
		s.Addr(refDesc.ResolvedAddress().String()),
		s.Addr(target.Identity),
	)

	if viper.GetBool("dns") {
		r, err := probes.NewSystemResolver(requestData.Timeout)
		b.CheckErr(err)
		probes.DNSInfo(ctx, s, b, r, target.Identity, refDesc.ResolvedAddress())
		probes.DNSInfo(ctx, s, b, r, target.Identity, newDesc.ResolvedAddress())
	}

	/* Both at once; they're independent */

	refC := make(chan outcome, 1)
	newC := make(chan outcome, 1)
	for _, x := range []struct {
		desc request.Descriptor
		c    chan outcome
	}{{refDesc, refC}, {newDesc, newC}} {
		c := x.c
		executor.New(x.desc, func(body []byte, err error) { c <- outcome{body, err} }, requestData.ExecutorOptions()...).Start(ctx)
	}
	ref, neu := <-refC, <-newC

	b.Banner("Reference address")
	printOutcome(s, b, ref)

	b.Banner("New address")
	printOutcome(s, b, neu)

	/* Body diff */

	b.Banner("Differences")

	if failure.KindOf(ref.err) != failure.KindOf(neu.err) || failure.StatusCode(ref.err) != failure.StatusCode(neu.err) {
		b.PrintWarn(fmt.Sprintf("outcomes differ: %v vs %v", ref.err, neu.err))
		os.Exit(1)
	}

	if viper.GetBool("print-body") {
		fmt.Println("NEW response body:")
		fmt.Println(string(neu.body))
	}

	if !utf8.Valid(ref.body) || !utf8.Valid(neu.body) {
		b.PrintWarn("one or more response bodies aren't valid utf-8; diff engine might do unexpected things")
	}
	differ := dmp.New()
	diffs := differ.DiffMain(string(ref.body), string(neu.body), true)

	/* Fin */

	if len(diffs) > 1 || (len(diffs) == 1 && diffs[0].Type != dmp.DiffEqual) {
		b.PrintWarn("response bodies differ")
		fmt.Println(differ.DiffPrettyText(diffs))
		os.Exit(1)
	}
	b.PrintInfo("response bodies equal")
	os.Exit(0)
}

func printOutcome(s output.TtyStyler, b bios.Bios, o outcome) {
	if o.err != nil {
		b.PrintWarn(fmt.Sprintf("%s: %v", failure.KindOf(o.err), o.err))
		return
	}
	fmt.Printf("%s, %s bytes of body\n", s.Ok("Success"), s.Bright(fmt.Sprint(len(o.body))))
}
