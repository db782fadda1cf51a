// Package banner grabs service banners from open ports and classifies
// them. The grabber prefers an nmap version probe and falls back to raw
// socket reads; the analyzer matches the banner text against a signature
// table to produce scored service detections that drive follow-up job
// queuing.
package banner
