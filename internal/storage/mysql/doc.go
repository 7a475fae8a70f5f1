// Package mysql holds the MySQL connection and schema migration helpers shared
// by the request and webhook stores.
package mysql
