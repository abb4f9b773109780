/*
Package state contains the trust line record, contained in the TrustLine
type, and the reservation table that holds capacity for in-flight payments.

A trust line exists between the local node and one contractor for one
equivalent. Each side keeps its own mirror copy of the line:

	+-----------+                         +-----------+
	|   Local   |  outgoing (they trust)  | Contractor|
	|           +------------------------>+           |
	|           |  incoming (we trust)    |           |
	|           +<------------------------+           |
	+-----------+                         +-----------+

Paying toward the contractor raises the balance, receiving from the
contractor lowers it, and the balance always stays within
-IncomingAmount..OutgoingAmount.

Payments never change the balance directly. A payment first reserves
capacity on the line for a (transaction, path) pair, and later either
commits the reservation, folding it into the balance, or releases it. The
free capacity in a direction is the limit in that direction, less the use of
that limit by the balance, less all open reservations in that direction.

Every change of limits or balance advances the audit number and moves the
line to AuditPending. Reservations can only be made on an Active line, and a
line only returns to Active once both sides have signed the same audit
snapshot.

None of the primitives in this package are threadsafe and synchronization
must be provided by the caller if the package is used in a concurrent
context.
*/
package state
