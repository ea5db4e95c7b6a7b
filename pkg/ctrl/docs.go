/*
Package ctrl implements the control protocol of baresip's ctrl_tcp module for a go-sipua
user agent.

Messages are JSON objects carried in netstring frames over TCP. A client sends commands:

	{"command":"dial","params":"sip:bob@example.com","token":"t1"}

and receives the matching response, plus every event of the user agent:

	{"response":true,"ok":true,"data":"1","token":"t1"}
	{"event":true,"type":"CALL_RINGING","class":"call","id":"1","param":"180 Ringing"}

[Server] exposes a [Controller], typically a [sipua.UserAgent], to any number of clients.
[Client] connects to a server and delivers responses and events on channels, see
[Client.GetResponseChan] and [Client.GetEventChan].
*/
package ctrl
