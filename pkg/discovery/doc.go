// Package discovery lets test ports find each other over mDNS/DNS-SD.
//
// A listening port is published as "<instance>._<service>._tcp.local" by an
// Advertiser. A client configured with such a name as its remote host uses
// Resolver, which browses for the instance and hands the advertised
// addresses to the engine. Every other host name falls through to a regular
// resolver.
package discovery
