/* Docs:
*
* CONNECTION
* Logic flow
* * The TCP connection is made to `--resolve`, which must be an IP literal
*   * If it's not given, `--dns-server` is asked for the URL's host, and the first answer is used (and printed, so you're sure which one)
*   * Nothing else is ever resolved: there's no system resolver in the dial path at all
* * The URL's host is the request's identity
*   * It's sent as the TLS SNI `ServerName`
*   * The serving cert must be valid for it, not for the address connected to
*   * It's the HTTP/1.1 `Host` header, with the port appended if it's not the scheme's default
*   * Internationalised names are sent in their ASCII (punycode) form
* A common use-case is a new server / load balancer / reverse proxy that prod DNS doesn't point at yet: give its IP as `--resolve` and the real URL, and see what it does with genuine traffic.
*
* DNS
* `--dns` prints what DNS says about the host and the address, for information only.
* It queries the servers from resolv.conf directly, checks DNSSEC, and reverse-resolves the address.
* Its answers never change where the connection goes.
 */
package main

const longHelp = `Makes one HTTP/1.1 request, over TLS for https URLs, to an explicitly given address
while presenting the URL's host as the identity: the TLS SNI name, the name the serving
certificate is verified against, and the Host header.

The address comes from --resolve, or failing that from asking --dns-server. The system
resolver is never consulted.

Settings can also come from the environment, eg SNI_REQUEST_TIMEOUT=5s.

Exits 1 if the request fails, including with an HTTP error status.`
