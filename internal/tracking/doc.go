// Package tracking ingests external engagement signals: open-pixel hits,
// click redirects, unsubscribe links and provider delivery webhooks.
//
// Every write funnels through the same conditional-update primitives the
// send workers use, so a webhook racing a worker's own completion cannot
// double-count a campaign aggregate. Endpoints facing mail clients never
// fail visibly: an unknown pixel id still returns a valid image and an
// unknown click id still redirects.
package tracking
