// Package crawler holds the catalog record, subscription, and delivery audit
// types plus the collaborator interfaces (stores, fetchers, deliverers) that the
// session, extraction, orchestration, ingestion, and push packages share.
package crawler
