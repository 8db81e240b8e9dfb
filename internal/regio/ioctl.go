package regio

// The ioctl direction/size encoding below follows Linux's
// asm-generic/ioctl.h. It lets
// this module declare board ioctl numbers with the same _IOR/_IOW/_IOWR
// idiom the kernel driver's own headers use, instead of hand-computing the
// packed integer.

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, t, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (t << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

// IO builds a parameterless ioctl command.
func IO(t, nr uintptr) uintptr { return ioc(iocNone, t, nr, 0) }

// IOR builds a "read from driver" ioctl command carrying a payload of the
// given size in bytes.
func IOR(t, nr, size uintptr) uintptr { return ioc(iocRead, t, nr, size) }

// IOW builds a "write to driver" ioctl command.
func IOW(t, nr, size uintptr) uintptr { return ioc(iocWrite, t, nr, size) }

// IOWR builds a bidirectional ioctl command.
func IOWR(t, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, t, nr, size) }

// boardIOCType is this board's ioctl magic number, chosen to not collide
// with the well-known magics listed in Linux's Documentation/ioctl-number.rst.
const boardIOCType = 0xDA

// Command codes for the kernel/driver boundary.
// Each struct passed across this boundary begins with a StructSize field
// (see sizegate.go) so the driver can grow the struct across firmware/driver
// versions without breaking old callers, and vice versa.
var (
	CmdGetDriverVersion       = IOR(boardIOCType, 1, 8)    // DriverVersion out
	CmdGetDeviceState         = IOR(boardIOCType, 2, 64)   // StateSnapshot out
	CmdSetMode                = IOW(boardIOCType, 3, 16)   // ModeRequest in
	CmdArm                    = IOW(boardIOCType, 4, 16)   // ModeRequest in
	CmdAbort                  = IO(boardIOCType, 5)
	CmdAllocDmaBuf            = IOWR(boardIOCType, 6, 32)  // DmaBufRequest in/out
	CmdFreeDmaBuf             = IOW(boardIOCType, 7, 32)   // DmaBufFreeRequest in
	CmdGetRegister            = IOWR(boardIOCType, 8, 16)  // RegisterAccess in/out
	CmdSetRegister            = IOW(boardIOCType, 9, 16)   // RegisterAccess in
	CmdWaitEvent              = IOWR(boardIOCType, 10, 32) // EventWaitRequest in/out
	CmdStartFastTransfer      = IOWR(boardIOCType, 11, 48) // FastTransferRequest in/out
	CmdStartBufferedTransfer  = IOWR(boardIOCType, 12, 64) // BufferedTransferRequest in/out
	CmdGetTimestampFifoStatus = IOR(boardIOCType, 13, 16)  // TimestampFifoStatus out
	CmdReadTimestampBatch     = IOWR(boardIOCType, 14, 24) // TimestampBatchRequest in/out
	CmdResetDcms              = IO(boardIOCType, 15)
	CmdRefreshHardwareConfig  = IO(boardIOCType, 16)
	CmdGetDeviceId            = IOR(boardIOCType, 17, 32)  // DeviceIdentity out
	CmdGetFirmwareVersions    = IOR(boardIOCType, 18, 16)  // FirmwareVersions out
	CmdJtagIO                 = IOWR(boardIOCType, 19, 32) // JtagIoRequest in/out
	CmdJtagStream             = IOWR(boardIOCType, 20, 32) // JtagStreamRequest in/out
)
