/*
Package types defines Nimbus's core domain model: Nodes, Groups, Servers,
Users, and the ephemeral Start/Restart/Stop requests that move servers
between stages. Everything here is a plain data structure; the behavior
that mutates it lives in pkg/node, pkg/group, pkg/server, and pkg/user.
*/
package types
